// Package bridge turns the agent runtime's noisy callback feed into an
// ordered, de-duplicated, budget-respecting event stream.
//
// A Bridge is constructed per operation and driven from a single goroutine.
// Only the emitter and the usage tracker are shared with other goroutines.
package bridge

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/opsbridge/internal/budget"
	"github.com/mtzanidakis/opsbridge/internal/ledger"
	"github.com/mtzanidakis/opsbridge/internal/metrics"
	"github.com/mtzanidakis/opsbridge/internal/protocol"
	"github.com/mtzanidakis/opsbridge/internal/reasoning"
	"github.com/mtzanidakis/opsbridge/internal/swarm"
)

// Halt reasons.
const (
	ReasonStepLimit = "step_limit"
	ReasonComplete  = "complete"
	ReasonStopped   = "stopped"
)

const defaultEvidenceCategory = "finding"

type Emitter interface {
	Emit(e protocol.Event)
}

// Recorder persists evidence stored through memory tools.
type Recorder interface {
	RecordEvidence(operationID, category, content string, metadata map[string]any) error
}

type Config struct {
	OperationID        string
	Target             string
	Objective          string
	MaxSteps           int
	SwarmMaxIterations int
	Reasoning          reasoning.Config
}

type Outcome int

const (
	Continue Outcome = iota
	Halt
)

func (o Outcome) String() string {
	if o == Halt {
		return "halt"
	}
	return "continue"
}

// Result tells the caller whether to keep driving the agent.
type Result struct {
	Outcome Outcome
	Reason  string
}

func (r Result) Halted() bool { return r.Outcome == Halt }

type Bridge struct {
	cfg        Config
	em         Emitter
	tracker    *metrics.Tracker
	collectors *metrics.Collectors
	recorder   Recorder
	onHalt     func()

	ledger    *ledger.Ledger
	budget    *budget.Enforcer
	swarmIter *budget.SwarmCounter
	reasoning *reasoning.Accumulator
	now       func() time.Time

	started      bool
	streamedText bool
	finished     bool
	stopReason   string
}

func New(cfg Config, em Emitter, tracker *metrics.Tracker) *Bridge {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 100
	}
	if cfg.SwarmMaxIterations <= 0 {
		cfg.SwarmMaxIterations = swarm.DefaultMaxIterations
	}
	if cfg.Reasoning == (reasoning.Config{}) {
		cfg.Reasoning = reasoning.DefaultConfig()
	}
	if tracker == nil {
		tracker = metrics.NewTracker()
	}
	return &Bridge{
		cfg:       cfg,
		em:        em,
		tracker:   tracker,
		ledger:    ledger.New(),
		budget:    budget.New(cfg.MaxSteps),
		reasoning: reasoning.New(cfg.Reasoning),
		now:       time.Now,
	}
}

func (b *Bridge) WithCollectors(c *metrics.Collectors) *Bridge {
	b.collectors = c
	return b
}

func (b *Bridge) WithRecorder(r Recorder) *Bridge {
	b.recorder = r
	return b
}

// WithHaltHook registers fn to run once the bridge decides to halt, before
// the terminal event is emitted. Producers that emit on their own goroutine
// stop there so nothing follows the terminal event.
func (b *Bridge) WithHaltHook(fn func()) *Bridge {
	b.onHalt = fn
	return b
}

// SetClock replaces the time source of the bridge and its accumulator.
func (b *Bridge) SetClock(now func() time.Time) {
	b.now = now
	b.reasoning.SetClock(now)
	b.ledger.SetClock(now)
}

// Start emits the operation header once.
func (b *Bridge) Start() {
	if b.started {
		return
	}
	b.started = true
	b.em.Emit(protocol.New(protocol.TypeOperationStart, map[string]any{
		"operation_id": b.cfg.OperationID,
		"target":       b.cfg.Target,
		"objective":    b.cfg.Objective,
		"max_steps":    b.cfg.MaxSteps,
	}))
}

// Handle classifies and processes one raw callback. It never panics.
func (b *Bridge) Handle(raw map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bridge callback panicked", "operation", b.cfg.OperationID, "panic", r)
			res = b.current()
		}
	}()
	return b.Process(Classify(raw))
}

// Process applies one classified payload.
func (b *Bridge) Process(p Payload) Result {
	if b.finished {
		return b.current()
	}
	if !b.started {
		b.Start()
	}

	switch v := p.(type) {
	case ReasoningDelta:
		b.onReasoning(v)
	case ToolAnnouncement:
		return b.onAnnouncement(v)
	case ToolResult:
		return b.onResult(v)
	case StructuredMessage:
		return b.onMessage(v)
	case UsageReport:
		b.tracker.SetTokens(v.InputTokens, v.OutputTokens)
	case Completion:
		return b.Complete(v.Report)
	case Unrecognized:
		slog.Debug("ignoring unrecognized callback", "operation", b.cfg.OperationID, "keys", v.Keys)
	}
	return b.current()
}

// Complete flushes reasoning and emits the final report. Later calls are
// no-ops.
func (b *Bridge) Complete(report string) Result {
	if b.finished {
		return b.current()
	}
	b.halting()
	b.flushReasoning()

	if report = strings.TrimSpace(report); report != "" {
		b.em.Emit(protocol.New(protocol.TypeReportContent, map[string]any{
			"operation_id": b.cfg.OperationID,
			"content":      report,
		}))
	}
	b.em.Emit(protocol.New(protocol.TypeAssessmentComplete, map[string]any{
		"operation_id": b.cfg.OperationID,
		"steps":        b.budget.Count(),
		"max_steps":    b.cfg.MaxSteps,
	}))

	b.finish(ReasonComplete)
	return b.current()
}

// Stop ends the operation on operator request.
func (b *Bridge) Stop(reason string) Result {
	if reason == "" {
		reason = ReasonStopped
	}
	return b.terminate(reason, "Operation stopped by operator")
}

// StopReason returns why the bridge halted, or "".
func (b *Bridge) StopReason() string { return b.stopReason }

func (b *Bridge) Halted() bool { return b.finished }

// Steps returns the main step count and ceiling.
func (b *Bridge) Steps() (int, int) { return b.budget.Count(), b.cfg.MaxSteps }

// ActiveAgent returns the attributed swarm member, or "" outside a swarm.
func (b *Bridge) ActiveAgent() string {
	if sw := b.ledger.Swarm(); sw != nil {
		return sw.Active()
	}
	return ""
}

// Close releases per-operation state. Buffered reasoning is flushed.
func (b *Bridge) Close() {
	if !b.finished {
		b.flushReasoning()
	}
	b.ledger.Reset()
	b.swarmIter = nil
}

func (b *Bridge) current() Result {
	if b.finished {
		return Result{Outcome: Halt, Reason: b.stopReason}
	}
	return Result{Outcome: Continue}
}

func (b *Bridge) halting() {
	if fn := b.onHalt; fn != nil {
		b.onHalt = nil
		fn()
	}
}

func (b *Bridge) finish(reason string) {
	b.finished = true
	b.stopReason = reason
	b.collectors.Halted(reason)
}

func (b *Bridge) terminate(reason, message string) Result {
	if b.finished {
		return b.current()
	}
	b.halting()
	b.flushReasoning()
	b.em.Emit(protocol.New(protocol.TypeTermination, map[string]any{
		"operation_id": b.cfg.OperationID,
		"reason":       reason,
		"message":      message,
		"steps":        b.budget.Count(),
		"max_steps":    b.cfg.MaxSteps,
	}))
	b.budget.Exhaust()
	b.finish(reason)
	return b.current()
}

func (b *Bridge) onReasoning(d ReasoningDelta) {
	sw := b.ledger.Swarm()
	switch {
	case sw == nil:
	case d.Agent != "" && sw.Has(d.Agent):
		if d.Agent != sw.Active() {
			b.switchSpeaker(sw, d.Agent)
		}
	case sw.Active() == "":
		if m, ok := sw.HintFromText(d.Text); ok {
			slog.Debug("swarm member inferred from text", "operation", b.cfg.OperationID, "agent", m)
		}
	}

	inSwarm := sw != nil
	if text, ok := b.reasoning.FlushIfDue(inSwarm); ok {
		b.emitReasoning(text)
	}
	if b.reasoning.Append(d.Text) {
		b.streamedText = true
	}
	if text, ok := b.reasoning.FlushIfDue(inSwarm); ok {
		b.emitReasoning(text)
	}
}

// switchSpeaker makes member the active swarm member because the runtime
// attached its identity to reasoning. Text buffered so far stays with the
// previous member.
func (b *Bridge) switchSpeaker(sw *swarm.State, member string) {
	b.flushReasoning()
	prev, ok := sw.Handoff(member)
	if !ok || prev == "" {
		return
	}
	b.em.Emit(protocol.New(protocol.TypeSwarmHandoff, map[string]any{
		"from":   prev,
		"to":     member,
		"reason": "explicit",
	}))
}

func (b *Bridge) flushReasoning() {
	if text, ok := b.reasoning.ForceFlush(); ok {
		b.emitReasoning(text)
	}
}

func (b *Bridge) emitReasoning(text string) {
	fields := map[string]any{"content": text}
	if sw := b.ledger.Swarm(); sw != nil && sw.Active() != "" {
		fields["agent"] = sw.Active()
		fields["swarm"] = true
	}
	b.em.Emit(protocol.New(protocol.TypeReasoning, fields))
}

func (b *Bridge) onMessage(m StructuredMessage) Result {
	for _, blk := range m.Blocks {
		switch blk.Kind {
		case BlockText:
			if m.Role == "assistant" && !b.streamedText {
				b.onReasoning(ReasoningDelta{Text: blk.Text, Agent: m.Agent})
			}
		case BlockToolUse:
			if res := b.onAnnouncement(*blk.ToolUse); res.Halted() {
				return res
			}
		case BlockToolResult:
			if res := b.onResult(*blk.Result); res.Halted() {
				return res
			}
		}
	}
	// A full message closes the current turn; the next turn streams afresh.
	b.streamedText = false
	return b.current()
}

func (b *Bridge) onAnnouncement(a ToolAnnouncement) Result {
	s := ledger.Sighting{
		Phase: ledger.PhaseStart,
		Tool:  a.Tool,
		Input: a.Input,
		Agent: a.Agent,
	}
	b.settleBefore(a.ID, s)
	obs := b.ledger.Observe(a.ID, s)
	if !obs.IsNewAnnouncement {
		return b.current()
	}
	return b.announce(obs)
}

func (b *Bridge) onResult(r ToolResult) Result {
	s := ledger.Sighting{
		Phase:  ledger.PhaseComplete,
		Status: r.Status,
		Agent:  r.Agent,
	}
	b.settleBefore(r.ID, s)
	obs := b.ledger.Observe(r.ID, s)
	if obs.IsNewAnnouncement {
		if res := b.announce(obs); res.Halted() {
			return res
		}
	}
	if obs.IsNewCompletion {
		b.complete(obs.Invocation, r.Content)
	}
	return b.current()
}

// settleBefore flushes buffered reasoning when s is about to announce id.
// Announcing may move swarm attribution, and the buffered text belongs to
// the member that was active while it streamed.
func (b *Bridge) settleBefore(id string, s ledger.Sighting) {
	if b.ledger.Announces(id, s) {
		b.flushReasoning()
	}
}

func (b *Bridge) announce(obs ledger.Observation) Result {
	inv := obs.Invocation

	sw := b.ledger.Swarm()
	if sw != nil {
		b.swarmStep(sw, obs)
	} else {
		step, ok := b.budget.Next()
		if !ok {
			return b.terminate(ReasonStepLimit, fmt.Sprintf("Step limit reached (%d/%d)", step, b.cfg.MaxSteps))
		}
		b.em.Emit(protocol.New(protocol.TypeStepHeader, map[string]any{
			"step":      step,
			"max_steps": b.cfg.MaxSteps,
		}))
		b.collectors.Step("main")
	}

	args := inv.Args()
	start := map[string]any{
		"tool_id":    inv.ID,
		"tool_name":  inv.Tool,
		"tool_input": args,
		"summary":    b.summary(inv.Tool, args),
	}
	if inv.Agent != "" {
		start["agent"] = inv.Agent
	}
	if sw != nil {
		start["swarm"] = true
	}
	b.em.Emit(protocol.New(protocol.TypeToolStart, start))

	switch inv.Tool {
	case swarm.ToolSwarm:
		if sw == nil {
			b.startSwarm(inv.ID, args)
		}
	case swarm.ToolHandoffToAgent:
		if sw != nil {
			target := handoffTarget(args)
			if prev, ok := sw.Handoff(target); ok {
				b.em.Emit(protocol.New(protocol.TypeSwarmHandoff, map[string]any{
					"from":    prev,
					"to":      target,
					"message": stringField(args, "message"),
					"reason":  "explicit",
				}))
			}
		}
	case swarm.ToolHandoffToUser:
		breakout, _ := args["breakout_of_loop"].(bool)
		b.em.Emit(protocol.New(protocol.TypeUserHandoff, map[string]any{
			"tool_id":  inv.ID,
			"message":  stringField(args, "message"),
			"breakout": breakout,
		}))
	}
	return b.current()
}

func (b *Bridge) swarmStep(sw *swarm.State, obs ledger.Observation) {
	inv := obs.Invocation
	if obs.AgentChanged && obs.PreviousAgent != "" {
		b.em.Emit(protocol.New(protocol.TypeSwarmHandoff, map[string]any{
			"from":   obs.PreviousAgent,
			"to":     inv.Agent,
			"reason": "inferred",
		}))
	}

	memberStep, ok := b.swarmIter.Next(inv.Agent)
	if !ok {
		slog.Warn("swarm iteration ceiling reached",
			"operation", b.cfg.OperationID, "agent", inv.Agent,
			"iterations", b.swarmIter.Total(), "max", b.swarmIter.Max())
		return
	}
	b.em.Emit(protocol.New(protocol.TypeStepHeader, map[string]any{
		"step":               b.budget.Count(),
		"max_steps":          b.cfg.MaxSteps,
		"swarm_agent":        inv.Agent,
		"swarm_agent_step":   memberStep,
		"swarm_total":        b.swarmIter.Total(),
		"swarm_max":          b.swarmIter.Max(),
		"is_swarm_operation": true,
	}))
	b.collectors.Step("swarm")
}

func (b *Bridge) startSwarm(id string, args map[string]any) {
	st, err := swarm.Start(id, args, b.cfg.SwarmMaxIterations)
	if err != nil {
		slog.Warn("swarm delegation ignored", "operation", b.cfg.OperationID, "tool_id", id, "error", err)
		return
	}
	b.ledger.StartSwarm(st)
	b.swarmIter = budget.NewSwarmCounter(st.MaxIterations)

	b.em.Emit(protocol.New(protocol.TypeSwarmStart, map[string]any{
		"tool_id":        id,
		"task":           st.Task,
		"agents":         st.Members,
		"max_iterations": st.MaxIterations,
	}))
}

func (b *Bridge) complete(inv *ledger.Invocation, content []string) {
	text := strings.TrimSpace(strings.Join(content, "\n"))
	failed := inv.Status == ledger.StatusError
	if failed && text == "" {
		text = fmt.Sprintf("%s failed", inv.Tool)
	}
	if text != "" && b.ledger.MarkOutput(inv.ID) {
		out := map[string]any{
			"tool_id": inv.ID,
			"content": text,
			"status":  string(inv.Status),
		}
		if inv.Agent != "" {
			out["agent"] = inv.Agent
		}
		// Failed tools surface as error events so they bypass batching.
		typ := protocol.TypeOutput
		if failed {
			typ = protocol.TypeError
		}
		b.em.Emit(protocol.New(typ, out))
	}

	end := map[string]any{
		"tool_id":     inv.ID,
		"tool_name":   inv.Tool,
		"status":      string(inv.Status),
		"duration_ms": b.now().Sub(inv.StartedAt).Milliseconds(),
	}
	if inv.Agent != "" {
		end["agent"] = inv.Agent
	}
	b.em.Emit(protocol.New(protocol.TypeToolEnd, end))
	b.collectors.ToolCompleted(string(inv.Status))

	if memoryTools[inv.Tool] && inv.Status == ledger.StatusSuccess {
		b.recordMemory(inv)
	}

	if sw := b.ledger.Swarm(); sw != nil && b.ledger.EndSwarm(inv.ID) {
		b.em.Emit(protocol.New(protocol.TypeSwarmComplete, map[string]any{
			"tool_id":          inv.ID,
			"agents":           sw.Members,
			"final_agent":      sw.Active(),
			"total_iterations": b.swarmIter.Total(),
			"status":           string(inv.Status),
		}))
		b.swarmIter = nil
	}
}

func (b *Bridge) recordMemory(inv *ledger.Invocation) {
	b.tracker.AddMemoryOp()

	args := inv.Args()
	switch stringField(args, "action") {
	case "store", "record", "add":
	default:
		return
	}

	b.tracker.AddEvidence()
	if b.recorder == nil {
		return
	}

	category := defaultEvidenceCategory
	meta := map[string]any{}
	if in, ok := args["metadata"].(map[string]any); ok {
		for k, v := range in {
			meta[k] = v
		}
		if c := stringField(in, "category"); c != "" {
			category = c
		}
	}
	meta["tool_id"] = inv.ID
	if inv.Agent != "" {
		meta["agent"] = inv.Agent
	}

	if err := b.recorder.RecordEvidence(b.cfg.OperationID, category, stringField(args, "content"), meta); err != nil {
		slog.Warn("record evidence failed", "operation", b.cfg.OperationID, "tool_id", inv.ID, "error", err)
	}
}

func (b *Bridge) summary(tool string, args map[string]any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("tool formatter panicked", "tool", tool, "panic", r)
			s = tool
		}
	}()
	return summarize(tool, args)
}

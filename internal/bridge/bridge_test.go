package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/opsbridge/internal/emitter"
	"github.com/mtzanidakis/opsbridge/internal/metrics"
	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

type captured struct {
	events []protocol.Event
}

func (c *captured) Emit(e protocol.Event) { c.events = append(c.events, e) }

func (c *captured) types() []protocol.EventType {
	out := make([]protocol.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type()
	}
	return out
}

func (c *captured) ofType(t protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, e := range c.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

type evidenceCall struct {
	op, category, content string
	meta                  map[string]any
}

type fakeRecorder struct {
	calls []evidenceCall
}

func (f *fakeRecorder) RecordEvidence(op, category, content string, meta map[string]any) error {
	f.calls = append(f.calls, evidenceCall{op, category, content, meta})
	return nil
}

func hook(id, tool string, input map[string]any) map[string]any {
	return map[string]any{"tool_invocation": map[string]any{"toolUseId": id, "name": tool, "input": input}}
}

func result(id, status, text string) map[string]any {
	return map[string]any{"toolResult": map[string]any{
		"toolUseId": id,
		"status":    status,
		"content":   []any{map[string]any{"text": text}},
	}}
}

func newBridge(t *testing.T, maxSteps int) (*Bridge, *captured) {
	t.Helper()
	c := &captured{}
	b := New(Config{OperationID: "op", Target: "10.0.0.1", MaxSteps: maxSteps, SwarmMaxIterations: 10}, c, metrics.NewTracker())
	b.Start()
	return b, c
}

func TestStepBudgetHaltsBeforeExceeding(t *testing.T) {
	b, c := newBridge(t, 3)

	for i, id := range []string{"t1", "t2", "t3"} {
		res := b.Handle(hook(id, "shell", map[string]any{"command": "id"}))
		require.False(t, res.Halted(), "call %d", i)
	}
	res := b.Handle(hook("t4", "shell", map[string]any{"command": "id"}))
	require.True(t, res.Halted())
	assert.Equal(t, ReasonStepLimit, res.Reason)

	res = b.Handle(hook("t5", "shell", map[string]any{"command": "id"}))
	assert.True(t, res.Halted())

	assert.Len(t, c.ofType(protocol.TypeStepHeader), 3)
	assert.Len(t, c.ofType(protocol.TypeToolStart), 3)
	require.Len(t, c.ofType(protocol.TypeTermination), 1)
	assert.Equal(t, ReasonStepLimit, c.ofType(protocol.TypeTermination)[0]["reason"])
	assert.Equal(t, protocol.TypeTermination, c.events[len(c.events)-1].Type())

	steps, max := b.Steps()
	assert.Equal(t, 3, steps)
	assert.Equal(t, 3, max)
}

func TestDuplicateShapesAnnounceAndCompleteOnce(t *testing.T) {
	b, c := newBridge(t, 10)
	input := map[string]any{"command": "nmap 10.0.0.1"}

	b.Handle(hook("t1", "shell", input))
	b.Handle(map[string]any{"message": map[string]any{
		"role":    "assistant",
		"content": []any{map[string]any{"toolUse": map[string]any{"toolUseId": "t1", "name": "shell", "input": input}}},
	}})
	b.Handle(map[string]any{"current_tool_use": map[string]any{"toolUseId": "t1", "name": "shell", "input": input}})

	b.Handle(result("t1", "success", "22/tcp open"))
	b.Handle(map[string]any{"message": map[string]any{
		"role": "user",
		"content": []any{map[string]any{"toolResult": map[string]any{
			"toolUseId": "t1", "status": "success", "content": []any{map[string]any{"text": "22/tcp open"}},
		}}},
	}})

	assert.Len(t, c.ofType(protocol.TypeStepHeader), 1)
	assert.Len(t, c.ofType(protocol.TypeToolStart), 1)
	assert.Len(t, c.ofType(protocol.TypeOutput), 1)
	assert.Len(t, c.ofType(protocol.TypeToolEnd), 1)

	start := c.ofType(protocol.TypeToolStart)[0]
	assert.Equal(t, "nmap 10.0.0.1", start["summary"])
}

func TestStreamingInputAnnouncedWhenComplete(t *testing.T) {
	b, c := newBridge(t, 10)
	stream := func(input any) map[string]any {
		return map[string]any{"current_tool_use": map[string]any{"toolUseId": "s1", "name": "shell", "input": input}}
	}

	b.Handle(stream(""))
	b.Handle(stream(`{"command": "whoa`))
	assert.Empty(t, c.ofType(protocol.TypeToolStart))

	b.Handle(stream(`{"command": "whoami"}`))
	b.Handle(stream(`{"command": "whoami"}`))

	starts := c.ofType(protocol.TypeToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, map[string]any{"command": "whoami"}, starts[0]["tool_input"])
}

func TestErrorStatusIsSurfaced(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(hook("t1", "http_request", map[string]any{"method": "post", "url": "http://x/login"}))
	b.Handle(result("t1", "error", "connection refused"))

	assert.Equal(t, "POST http://x/login", c.ofType(protocol.TypeToolStart)[0]["summary"])
	assert.Empty(t, c.ofType(protocol.TypeOutput))
	errs := c.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "error", errs[0]["status"])
	assert.Equal(t, "connection refused", errs[0]["content"])
	assert.Equal(t, "error", c.ofType(protocol.TypeToolEnd)[0]["status"])
}

func TestSilentFailureStillReported(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(hook("t1", "shell", map[string]any{"command": "false"}))
	b.Handle(result("t1", "error", ""))

	errs := c.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "shell failed", errs[0]["content"])
}

func TestReasoningFlushedBeforeAnnouncement(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(map[string]any{"data": "Scanning the "})
	b.Handle(map[string]any{"data": "target now."})
	b.Handle(map[string]any{"data": "   "})
	b.Handle(hook("t1", "shell", map[string]any{"command": "nmap"}))

	assert.Equal(t, []protocol.EventType{
		protocol.TypeOperationStart,
		protocol.TypeReasoning,
		protocol.TypeStepHeader,
		protocol.TypeToolStart,
	}, c.types())
	assert.Equal(t, "Scanning the target now.", c.events[1]["content"])
}

func TestMessageTextIgnoredAfterStreaming(t *testing.T) {
	b, c := newBridge(t, 10)
	msg := map[string]any{"message": map[string]any{
		"role":    "assistant",
		"content": []any{map[string]any{"text": "Hello there"}},
	}}

	b.Handle(map[string]any{"data": "Hello there"})
	b.Handle(msg)
	b.Complete("")
	assert.Len(t, c.ofType(protocol.TypeReasoning), 1)

	b2, c2 := newBridge(t, 10)
	b2.Handle(msg)
	b2.Complete("")
	assert.Len(t, c2.ofType(protocol.TypeReasoning), 1)
}

func TestSwarmAttributionAndLifecycle(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(hook("sw", "swarm", map[string]any{
		"task": "enumerate services",
		"agents": []any{
			map[string]any{"name": "alice", "tools": []any{"X"}},
			map[string]any{"name": "bob", "tools": []any{"Y"}},
		},
	}))
	require.Len(t, c.ofType(protocol.TypeSwarmStart), 1)
	assert.Equal(t, []string{"alice", "bob"}, c.ofType(protocol.TypeSwarmStart)[0]["agents"])

	b.Handle(hook("t1", "X", map[string]any{"a": 1}))
	assert.Equal(t, "alice", b.ActiveAgent())
	b.Handle(hook("t2", "Y", map[string]any{"a": 2}))
	assert.Equal(t, "bob", b.ActiveAgent())

	steps, _ := b.Steps()
	assert.Equal(t, 1, steps, "swarm members do not consume the main budget")

	handoffs := c.ofType(protocol.TypeSwarmHandoff)
	require.Len(t, handoffs, 1)
	assert.Equal(t, "alice", handoffs[0]["from"])
	assert.Equal(t, "bob", handoffs[0]["to"])

	headers := c.ofType(protocol.TypeStepHeader)
	require.Len(t, headers, 3)
	assert.Equal(t, "alice", headers[1]["swarm_agent"])
	assert.Equal(t, true, headers[1]["is_swarm_operation"])

	b.Handle(result("t1", "success", "done"))
	assert.Empty(t, c.ofType(protocol.TypeSwarmComplete), "only the delegation call ends the swarm")

	b.Handle(result("sw", "success", "swarm finished"))
	require.Len(t, c.ofType(protocol.TypeSwarmComplete), 1)
	assert.Equal(t, "", b.ActiveAgent())

	b.Handle(hook("t3", "shell", map[string]any{"command": "id"}))
	steps, _ = b.Steps()
	assert.Equal(t, 2, steps)
}

func TestSwarmCeilingIsNotFatal(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(hook("sw", "swarm", map[string]any{
		"task": "t", "agents": []any{"solo"}, "max_iterations": float64(1),
	}))
	res := b.Handle(hook("a", "shell", map[string]any{"command": "1"}))
	require.False(t, res.Halted())
	res = b.Handle(hook("b", "shell", map[string]any{"command": "2"}))
	require.False(t, res.Halted())

	assert.Len(t, c.ofType(protocol.TypeStepHeader), 2, "main step plus one swarm iteration")
	assert.Len(t, c.ofType(protocol.TypeToolStart), 3)
}

func TestExplicitHandoffs(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(hook("sw", "swarm", map[string]any{"task": "t", "agents": []any{"alice", "bob"}}))
	b.Handle(hook("h1", "handoff_to_agent", map[string]any{"agent_name": "bob", "message": "your turn"}))
	assert.Equal(t, "bob", b.ActiveAgent())

	b.Handle(hook("u1", "handoff_to_user", map[string]any{"message": "need credentials", "breakout_of_loop": true}))
	uh := c.ofType(protocol.TypeUserHandoff)
	require.Len(t, uh, 1)
	assert.Equal(t, "need credentials", uh[0]["message"])
	assert.Equal(t, true, uh[0]["breakout"])
}

func TestUsageUpdatesTracker(t *testing.T) {
	tr := metrics.NewTracker()
	b := New(Config{OperationID: "op"}, &captured{}, tr)

	b.Handle(map[string]any{"usage": map[string]any{"inputTokens": float64(120), "outputTokens": float64(30)}})
	b.Handle(map[string]any{"event_loop_metrics": map[string]any{
		"accumulated_usage": map[string]any{"inputTokens": float64(200), "outputTokens": float64(50)},
	}})

	u, ok := tr.Usage()
	require.True(t, ok)
	assert.Equal(t, int64(200), u.InputTokens)
	assert.Equal(t, int64(50), u.OutputTokens)
}

func TestMemoryStoreRecordsEvidence(t *testing.T) {
	tr := metrics.NewTracker()
	rec := &fakeRecorder{}
	b := New(Config{OperationID: "op"}, &captured{}, tr).WithRecorder(rec)

	b.Handle(hook("m1", "mem0_memory", map[string]any{
		"action":   "store",
		"content":  "ssh open on 22",
		"metadata": map[string]any{"category": "recon"},
	}))
	b.Handle(result("m1", "success", "stored"))
	b.Handle(hook("m2", "mem0_memory", map[string]any{"action": "retrieve", "query": "ssh"}))
	b.Handle(result("m2", "success", "1 result"))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "recon", rec.calls[0].category)
	assert.Equal(t, "ssh open on 22", rec.calls[0].content)
	assert.Equal(t, "m1", rec.calls[0].meta["tool_id"])

	u, _ := tr.Usage()
	assert.Equal(t, 2, u.MemoryOps)
	assert.Equal(t, 1, u.Evidence)
}

func TestCompletionEmitsReportAndHalts(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(map[string]any{"data": "Wrapping up."})
	res := b.Handle(map[string]any{"complete": true, "report": "# Findings"})
	require.True(t, res.Halted())
	assert.Equal(t, ReasonComplete, res.Reason)

	assert.Equal(t, []protocol.EventType{
		protocol.TypeOperationStart,
		protocol.TypeReasoning,
		protocol.TypeReportContent,
		protocol.TypeAssessmentComplete,
	}, c.types())

	n := len(c.events)
	b.Handle(hook("late", "shell", map[string]any{"command": "id"}))
	assert.Len(t, c.events, n)
}

func TestStopTerminatesOnce(t *testing.T) {
	b, c := newBridge(t, 10)

	res := b.Stop("")
	assert.True(t, res.Halted())
	assert.Equal(t, ReasonStopped, b.StopReason())
	b.Stop("again")

	require.Len(t, c.ofType(protocol.TypeTermination), 1)
}

func TestUnrecognizedCallbacksAreIgnored(t *testing.T) {
	b, c := newBridge(t, 10)

	res := b.Handle(map[string]any{"init_event_loop": true})
	assert.False(t, res.Halted())
	assert.Len(t, c.events, 1)
}

func TestOrderingThroughBatchingEmitter(t *testing.T) {
	sink := &captured{}
	em := emitter.New(emitter.Config{OperationID: "op", Window: time.Hour}, emitter.FuncSink(func(e protocol.Event) error {
		sink.Emit(e)
		return nil
	}))
	b := New(Config{OperationID: "op", MaxSteps: 1}, em, nil)

	b.Handle(hook("t1", "shell", map[string]any{"command": "id"}))
	b.Handle(result("t1", "success", "uid=0"))
	b.Handle(hook("t2", "shell", map[string]any{"command": "id"}))
	require.NoError(t, em.Close())

	// operation_start is flushed by the first step header; tool_start,
	// output and tool_end batch until the termination record.
	assert.Equal(t, []protocol.EventType{
		protocol.TypeOperationStart,
		protocol.TypeStepHeader,
		protocol.TypeBatch,
		protocol.TypeTermination,
	}, sink.types())
	assert.Len(t, sink.events[2].SubEvents(), 3)
}

func indexOf(c *captured, match func(protocol.Event) bool) int {
	for i, e := range c.events {
		if match(e) {
			return i
		}
	}
	return -1
}

func TestReasoningKeepsSpeakerAcrossInferredHandoff(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(hook("sw", "swarm", map[string]any{
		"task": "enumerate services",
		"agents": []any{
			map[string]any{"name": "alice", "tools": []any{"X"}},
			map[string]any{"name": "bob", "tools": []any{"Y"}},
		},
	}))
	b.Handle(hook("t1", "Y", map[string]any{"a": 1}))
	b.Handle(map[string]any{"data": "bob: the service on 445 looks vulnerable"})
	b.Handle(hook("t2", "X", map[string]any{"a": 2}))
	assert.Equal(t, "alice", b.ActiveAgent())

	thoughts := c.ofType(protocol.TypeReasoning)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "bob", thoughts[0]["agent"])
	assert.Equal(t, "bob: the service on 445 looks vulnerable", thoughts[0]["content"])

	reasoningAt := indexOf(c, func(e protocol.Event) bool { return e.Type() == protocol.TypeReasoning })
	handoffAt := indexOf(c, func(e protocol.Event) bool {
		return e.Type() == protocol.TypeSwarmHandoff && e["to"] == "alice"
	})
	headerAt := indexOf(c, func(e protocol.Event) bool {
		return e.Type() == protocol.TypeStepHeader && e["swarm_agent"] == "alice"
	})
	require.NotEqual(t, -1, handoffAt)
	assert.Less(t, reasoningAt, handoffAt)
	assert.Less(t, handoffAt, headerAt)
}

func TestReasoningIdentityMovesAttribution(t *testing.T) {
	b, c := newBridge(t, 10)

	b.Handle(hook("sw", "swarm", map[string]any{"task": "t", "agents": []any{"alice", "bob"}}))
	b.Handle(map[string]any{"data": "Enumerating shares.", "agent_name": "bob"})
	assert.Equal(t, "bob", b.ActiveAgent())
	assert.Empty(t, c.ofType(protocol.TypeSwarmHandoff), "first speaker is not a handoff")

	b.Handle(map[string]any{"data": "Trying the default credentials.", "agent_name": "alice"})
	b.Handle(map[string]any{"data": " Unknown members are ignored.", "agent_name": "mallory"})
	b.Handle(hook("t1", "shell", map[string]any{"command": "smbclient -L 10.0.0.1"}))

	thoughts := c.ofType(protocol.TypeReasoning)
	require.Len(t, thoughts, 2)
	assert.Equal(t, "bob", thoughts[0]["agent"])
	assert.Equal(t, "Enumerating shares.", thoughts[0]["content"])
	assert.Equal(t, "alice", thoughts[1]["agent"])

	handoffs := c.ofType(protocol.TypeSwarmHandoff)
	require.Len(t, handoffs, 1)
	assert.Equal(t, "bob", handoffs[0]["from"])
	assert.Equal(t, "alice", handoffs[0]["to"])
	assert.Equal(t, "explicit", handoffs[0]["reason"])

	starts := c.ofType(protocol.TypeToolStart)
	assert.Equal(t, "alice", starts[len(starts)-1]["agent"])
}

func TestHaltHookRunsBeforeTerminalEvent(t *testing.T) {
	b, c := newBridge(t, 1)
	tr := metrics.NewTracker()
	tr.SetTokens(10, 5)
	agg := metrics.NewAggregator(metrics.AggregatorConfig{OperationID: "op"}, tr, c)

	calls := 0
	b.WithHaltHook(func() {
		calls++
		agg.Stop()
	})

	require.True(t, agg.Tick(true))
	b.Handle(hook("t1", "shell", map[string]any{"command": "id"}))
	res := b.Handle(hook("t2", "shell", map[string]any{"command": "id"}))
	require.True(t, res.Halted())

	assert.False(t, agg.Tick(true), "no metrics once the bridge halted")
	b.Complete("late")
	b.Stop("")
	assert.Equal(t, 1, calls)
	assert.Equal(t, protocol.TypeTermination, c.events[len(c.events)-1].Type())
}

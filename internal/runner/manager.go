// Package runner owns the lifecycle of operations: it builds a bridge per
// operation, feeds it callbacks from the bus one at a time and tears it down
// in order once the bridge halts.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mtzanidakis/opsbridge/internal/bridge"
	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/emitter"
	"github.com/mtzanidakis/opsbridge/internal/metrics"
	"github.com/mtzanidakis/opsbridge/internal/natsbus"
	"github.com/mtzanidakis/opsbridge/internal/reasoning"
	"github.com/mtzanidakis/opsbridge/internal/store"
	"github.com/nats-io/nats.go"
)

var (
	ErrOperationExists   = errors.New("operation already running")
	ErrTooManyOperations = errors.New("too many running operations")
	ErrUnknownOperation  = errors.New("unknown operation")
)

// ReasonIdleTimeout halts operations whose runtime went silent.
const ReasonIdleTimeout = "idle_timeout"

const dedupTTL = 10 * time.Minute

// Spec describes an operation to start.
type Spec struct {
	ID                 string    `json:"id,omitempty"`
	Target             string    `json:"target"`
	Objective          string    `json:"objective"`
	MaxSteps           int       `json:"max_steps,omitempty"`
	SwarmMaxIterations int       `json:"swarm_max_iterations,omitempty"`
	Output             io.Writer `json:"-"`
}

// Callback is the envelope runtimes publish on ops.<id>.callback. Callbacks
// without an id are never de-duplicated.
type Callback struct {
	ID      string         `json:"id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// SinkFactory builds an extra sink for a new operation. A nil sink is
// skipped.
type SinkFactory func(opID string) (name string, sink emitter.Sink)

type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Manager struct {
	cfg        *config.Config
	client     *natsbus.Client
	store      *store.Store
	collectors *metrics.Collectors
	factories  []SinkFactory
	sessions   *SessionTracker
	ops        map[string]*operation
	mu         sync.RWMutex
	subs       []*nats.Subscription

	dedup    *lru.Cache[string, time.Time]
	dedupMu  sync.Mutex
	finished *lru.Cache[string, bridge.Result]
	now      func() time.Time

	reapEvery time.Duration
}

type operation struct {
	id         string
	queue      *CallbackQueue
	bridge     *bridge.Bridge
	emitter    *emitter.Emitter
	tracker    *metrics.Tracker
	aggregator *metrics.Aggregator

	once   sync.Once
	done   chan struct{}
	result bridge.Result
}

// NewManager wires a manager. client and s may be nil, in which case events
// only reach the sinks supplied per operation.
func NewManager(cfg *config.Config, client *natsbus.Client, s *store.Store, collectors *metrics.Collectors) *Manager {
	size := cfg.Runner.DedupSize
	if size <= 0 {
		size = 4096
	}
	cache, _ := lru.New[string, time.Time](size)
	finished, _ := lru.New[string, bridge.Result](256)

	return &Manager{
		cfg:        cfg,
		client:     client,
		store:      s,
		collectors: collectors,
		sessions:   NewSessionTracker(),
		ops:        make(map[string]*operation),
		dedup:      cache,
		finished:   finished,
		now:        time.Now,
		reapEvery:  time.Minute,
	}
}

// AddSink registers a factory consulted for every operation started later.
func (m *Manager) AddSink(f SinkFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories = append(m.factories, f)
}

// Listen subscribes to runtime callbacks, start requests and IPC commands.
func (m *Manager) Listen() error {
	if m.client == nil {
		return errors.New("listen: no nats client")
	}

	handlers := map[string]nats.MsgHandler{
		"ops.*.callback":            m.handleCallback,
		natsbus.TopicOperationStart: m.handleStart,
		"host.ipc.*":                m.handleIPC,
	}
	for topic, h := range handlers {
		sub, err := m.client.Subscribe(topic, h)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		m.subs = append(m.subs, sub)
	}
	return m.client.Flush()
}

// Start opens an operation and emits its header.
func (m *Manager) Start(ctx context.Context, spec Spec) (Session, error) {
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.MaxSteps <= 0 {
		spec.MaxSteps = m.cfg.Bridge.MaxSteps
	}
	if spec.SwarmMaxIterations <= 0 {
		spec.SwarmMaxIterations = m.cfg.Bridge.SwarmMaxIterations
	}

	m.mu.Lock()
	if _, ok := m.ops[spec.ID]; ok {
		m.mu.Unlock()
		return Session{}, ErrOperationExists
	}
	if limit := m.cfg.Runner.MaxOperations; limit > 0 && len(m.ops) >= limit {
		m.mu.Unlock()
		return Session{}, ErrTooManyOperations
	}
	// Reserve the id while the operation is built.
	m.ops[spec.ID] = nil
	factories := append([]SinkFactory(nil), m.factories...)
	m.mu.Unlock()

	op, err := m.build(ctx, spec, factories)
	if err != nil {
		m.mu.Lock()
		delete(m.ops, spec.ID)
		m.mu.Unlock()
		return Session{}, err
	}

	now := m.now()
	m.sessions.Set(spec.ID, &Session{
		ID:         spec.ID,
		Target:     spec.Target,
		Status:     store.StatusRunning,
		MaxSteps:   spec.MaxSteps,
		StartedAt:  now,
		LastActive: now,
	})

	m.mu.Lock()
	m.ops[spec.ID] = op
	m.mu.Unlock()

	m.collectors.OperationStarted()

	slog.Info("operation started", "operation", spec.ID, "target", spec.Target, "max_steps", spec.MaxSteps)
	s, _ := m.sessions.Get(spec.ID)
	return s, nil
}

func (m *Manager) build(ctx context.Context, spec Spec, factories []SinkFactory) (*operation, error) {
	if m.store != nil {
		if err := m.store.SaveOperation(&store.Operation{
			ID:        spec.ID,
			Target:    spec.Target,
			Objective: spec.Objective,
			MaxSteps:  spec.MaxSteps,
		}); err != nil {
			return nil, fmt.Errorf("save operation: %w", err)
		}
	}

	buffer := m.cfg.Runner.SinkBuffer
	sinks := emitter.NewMultiSink()
	if spec.Output != nil {
		sinks.Add("output", emitter.NewWriterSink(spec.Output))
	}
	if m.store != nil {
		sinks.Add("store", emitter.NewAsyncSink("store", m.store.EventLog(spec.ID), buffer))
	}
	if m.client != nil {
		sinks.Add("nats", emitter.NewAsyncSink("nats", natsbus.NewEventSink(m.client, spec.ID), buffer))
	}
	for _, f := range factories {
		name, s := f(spec.ID)
		if s == nil {
			continue
		}
		sinks.Add(name, emitter.NewAsyncSink(name, s, buffer))
	}

	em := emitter.New(emitter.Config{
		OperationID: spec.ID,
		Window:      m.cfg.Bridge.BatchWindow,
	}, sinks).WithCollectors(m.collectors)

	tracker := metrics.NewTracker()
	br := bridge.New(bridge.Config{
		OperationID:        spec.ID,
		Target:             spec.Target,
		Objective:          spec.Objective,
		MaxSteps:           spec.MaxSteps,
		SwarmMaxIterations: spec.SwarmMaxIterations,
		Reasoning: reasoning.Config{
			MaxChars:      m.cfg.Bridge.ReasoningMaxChars,
			SwarmMinChars: m.cfg.Bridge.SwarmMinChars,
			SwarmIdle:     m.cfg.Bridge.SwarmIdle,
		},
	}, em, tracker).WithCollectors(m.collectors)

	agg := metrics.NewAggregator(metrics.AggregatorConfig{
		OperationID: spec.ID,
		Interval:    m.cfg.Metrics.Interval,
		ForceEvery:  m.cfg.Metrics.ForceEvery,
	}, tracker, em).WithCollectors(m.collectors)

	if m.store != nil {
		br.WithRecorder(m.store)
		agg.WithCounts(m.store)
	}
	br.WithHaltHook(agg.Stop)
	// The header goes out before the operation is registered, so callbacks
	// and metrics can only follow it.
	br.Start()
	agg.Start(context.WithoutCancel(ctx))

	return &operation{
		id:         spec.ID,
		queue:      NewCallbackQueue(spec.ID),
		bridge:     br,
		emitter:    em,
		tracker:    tracker,
		aggregator: agg,
		done:       make(chan struct{}),
	}, nil
}

func (m *Manager) get(opID string) *operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops[opID]
}

// Submit queues a callback for the operation. Callbacks seen before under
// the same id are dropped.
func (m *Manager) Submit(opID string, cb Callback) error {
	op := m.get(opID)
	if op == nil {
		return ErrUnknownOperation
	}
	if cb.ID != "" && m.isDuplicate(opID+"/"+cb.ID) {
		slog.Debug("duplicate callback dropped", "operation", opID, "callback", cb.ID)
		return nil
	}
	op.queue.Enqueue(item{payload: cb.Payload})
	go m.process(op)
	return nil
}

// Stop asks the bridge to terminate. It returns once the request is queued;
// use Wait to block until teardown is complete.
func (m *Manager) Stop(opID, reason string) error {
	op := m.get(opID)
	if op == nil {
		return ErrUnknownOperation
	}
	if reason == "" {
		reason = bridge.ReasonStopped
	}
	op.queue.Enqueue(item{stop: reason})
	go m.process(op)
	return nil
}

// Wait blocks until the operation has been torn down.
func (m *Manager) Wait(ctx context.Context, opID string) (bridge.Result, error) {
	op := m.get(opID)
	if op == nil {
		if res, ok := m.finished.Get(opID); ok {
			return res, nil
		}
		return bridge.Result{}, ErrUnknownOperation
	}
	select {
	case <-op.done:
		return op.result, nil
	case <-ctx.Done():
		return bridge.Result{}, ctx.Err()
	}
}

func (m *Manager) Status(opID string) (Session, bool) {
	return m.sessions.Get(opID)
}

func (m *Manager) List() []Session {
	return m.sessions.List()
}

func (m *Manager) process(op *operation) {
	for {
		if !op.queue.TryLock() {
			return // Already processing
		}
		done := m.drain(op)
		op.queue.Unlock()

		// An item may have been queued after drain saw an empty queue but
		// before the lock was released.
		if done || op.queue.Len() == 0 {
			return
		}
	}
}

func (m *Manager) drain(op *operation) bool {
	for {
		select {
		case <-op.done:
			return true
		default:
		}

		it, ok := op.queue.Dequeue()
		if !ok {
			return false
		}

		var res bridge.Result
		if it.stop != "" {
			res = op.bridge.Stop(it.stop)
		} else {
			res = op.bridge.Handle(it.payload)
		}

		steps, _ := op.bridge.Steps()
		agent := op.bridge.ActiveAgent()
		m.sessions.Update(op.id, func(s *Session) {
			s.Steps = steps
			s.ActiveAgent = agent
		})
		m.sessions.Touch(op.id)

		if res.Halted() {
			m.finish(op, res)
			return true
		}
	}
}

// finish tears an operation down: the runtime is told to halt, the metrics
// ticker stops, queued events are flushed and the sinks are closed.
func (m *Manager) finish(op *operation, res bridge.Result) {
	op.once.Do(func() {
		op.result = res
		m.publishControl(op.id, res.Reason)

		op.aggregator.Stop()
		steps, _ := op.bridge.Steps()
		op.bridge.Close()
		if err := op.emitter.Close(); err != nil {
			slog.Warn("close emitter", "operation", op.id, "error", err)
		}

		if m.store != nil {
			usage, _ := op.tracker.Usage()
			if err := m.store.UpdateOperationProgress(op.id, steps, usage.InputTokens, usage.OutputTokens); err != nil {
				slog.Error("update operation progress", "operation", op.id, "error", err)
			}
			if err := m.store.FinishOperation(op.id, statusFor(res.Reason), res.Reason, steps); err != nil {
				slog.Error("finish operation", "operation", op.id, "error", err)
			}
		}

		m.sessions.Remove(op.id)
		m.collectors.OperationEnded()
		m.collectors.ForgetOperation(op.id)
		m.finished.Add(op.id, res)
		close(op.done)

		m.mu.Lock()
		delete(m.ops, op.id)
		m.mu.Unlock()

		slog.Info("operation finished", "operation", op.id, "reason", res.Reason, "steps", steps)
	})
}

func statusFor(reason string) string {
	if reason == bridge.ReasonComplete {
		return store.StatusCompleted
	}
	return store.StatusHalted
}

func (m *Manager) publishControl(opID, reason string) {
	if m.client == nil {
		return
	}
	err := m.client.PublishJSON(natsbus.TopicOperationControl(opID), map[string]any{
		"type":   "halt",
		"reason": reason,
	})
	if err != nil {
		slog.Warn("publish halt", "operation", opID, "error", err)
	}
}

func (m *Manager) isDuplicate(key string) bool {
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()

	now := m.now()
	if seen, ok := m.dedup.Get(key); ok {
		if now.Sub(seen) < dedupTTL {
			return true
		}
		m.dedup.Remove(key)
	}
	m.dedup.Add(key, now)
	return false
}

func (m *Manager) handleCallback(msg *nats.Msg) {
	// Extract opID from subject: ops.{opID}.callback
	opID := strings.TrimSuffix(strings.TrimPrefix(msg.Subject, "ops."), ".callback")
	if opID == "" || opID == msg.Subject {
		return
	}

	var cb Callback
	if err := json.Unmarshal(msg.Data, &cb); err != nil {
		slog.Warn("invalid callback", "operation", opID, "error", err)
		return
	}
	if cb.Payload == nil {
		// Bare payload without the envelope.
		cb = Callback{}
		if err := json.Unmarshal(msg.Data, &cb.Payload); err != nil {
			return
		}
	}

	if err := m.Submit(opID, cb); err != nil {
		slog.Debug("callback for unknown operation", "operation", opID)
	}
}

func (m *Manager) handleStart(msg *nats.Msg) {
	var spec Spec
	if err := json.Unmarshal(msg.Data, &spec); err != nil {
		m.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	s, err := m.Start(context.Background(), spec)
	if err != nil {
		m.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	m.respond(msg, map[string]any{"ok": true, "id": s.ID})
}

func (m *Manager) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		m.respond(msg, map[string]any{"error": "invalid command"})
		return
	}

	// Extract opID from subject: host.ipc.{opID}
	opID := strings.TrimPrefix(msg.Subject, "host.ipc.")

	slog.Info("IPC command received", "type", cmd.Type, "operation", opID)

	switch cmd.Type {
	case "status":
		m.ipcStatus(msg, opID)
	case "list":
		m.respond(msg, map[string]any{"ok": true, "operations": m.List()})
	case "stop":
		m.ipcStop(msg, opID, cmd.Payload)
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		m.respond(msg, map[string]any{"error": "unknown command: " + cmd.Type})
	}
}

func (m *Manager) ipcStatus(msg *nats.Msg, opID string) {
	if s, ok := m.Status(opID); ok {
		m.respond(msg, map[string]any{"ok": true, "operation": s})
		return
	}
	if m.store != nil {
		op, err := m.store.GetOperation(opID)
		if err != nil {
			m.respond(msg, map[string]any{"error": fmt.Sprintf("lookup failed: %v", err)})
			return
		}
		if op != nil {
			m.respond(msg, map[string]any{"ok": true, "operation": op})
			return
		}
	}
	m.respond(msg, map[string]any{"error": ErrUnknownOperation.Error()})
}

func (m *Manager) ipcStop(msg *nats.Msg, opID string, payload json.RawMessage) {
	var req struct {
		Reason string `json:"reason"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			m.respond(msg, map[string]any{"error": "invalid payload"})
			return
		}
	}
	if err := m.Stop(opID, req.Reason); err != nil {
		m.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	slog.Info("operation stop requested via IPC", "operation", opID)
	m.respond(msg, map[string]any{"ok": true})
}

func (m *Manager) respond(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

// StartIdleReaper halts operations whose runtime has gone quiet for longer
// than the configured idle timeout. It blocks until ctx is done.
func (m *Manager) StartIdleReaper(ctx context.Context) {
	timeout := m.cfg.Runner.IdleTimeout
	if timeout == 0 {
		return
	}

	ticker := time.NewTicker(m.reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, opID := range m.sessions.ListIdle(timeout) {
				slog.Info("stopping idle operation", "operation", opID, "timeout", timeout)
				if err := m.Stop(opID, ReasonIdleTimeout); err != nil {
					slog.Error("failed to stop idle operation", "operation", opID, "error", err)
				}
			}
		}
	}
}

// Shutdown stops every running operation and waits for teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.ops))
	for id, op := range m.ops {
		if op != nil {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(id, bridge.ReasonStopped); err != nil {
			continue
		}
		if _, err := m.Wait(ctx, id); err != nil {
			slog.Warn("operation did not stop in time", "operation", id, "error", err)
		}
	}
}

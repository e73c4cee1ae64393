package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/opsbridge/internal/bridge"
	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/natsbus"
	"github.com/mtzanidakis/opsbridge/internal/protocol"
	"github.com/mtzanidakis/opsbridge/internal/store"
	"github.com/nats-io/nats.go"
)

func testConfig() *config.Config {
	return &config.Config{
		Bridge: config.BridgeConfig{
			MaxSteps:           10,
			SwarmMaxIterations: 5,
			BatchWindow:        5 * time.Millisecond,
		},
		Runner: config.RunnerConfig{
			MaxOperations: 2,
			IdleTimeout:   time.Hour,
			SinkBuffer:    64,
			DedupSize:     64,
		},
		Metrics: config.MetricsConfig{
			Interval:   time.Hour,
			ForceEvery: 5,
		},
	}
}

type harness struct {
	mgr    *Manager
	client *natsbus.Client
	store  *store.Store
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	t.Cleanup(client.Close)

	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mgr := NewManager(cfg, client, s, nil)
	if err := mgr.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	return &harness{mgr: mgr, client: client, store: s}
}

func (h *harness) wait(t *testing.T, opID string) bridge.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.mgr.Wait(ctx, opID)
	if err != nil {
		t.Fatalf("wait %s: %v", opID, err)
	}
	return res
}

func (h *harness) storedTypes(t *testing.T, opID string) []string {
	t.Helper()
	records, err := h.store.ListEvents(opID, 0, 1000)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, len(records))
	for i, r := range records {
		types[i] = r.Type
	}
	return types
}

func announce(id, tool string) map[string]any {
	return map[string]any{"tool_invocation": map[string]any{
		"toolUseId": id,
		"name":      tool,
		"input":     map[string]any{"command": "nmap " + id},
	}}
}

func TestCallbackQueueOrderAndLock(t *testing.T) {
	q := NewCallbackQueue("op")
	q.Enqueue(item{stop: "a"})
	q.Enqueue(item{stop: "b"})

	if !q.TryLock() {
		t.Fatal("expected first TryLock to succeed")
	}
	if q.TryLock() {
		t.Fatal("expected second TryLock to fail")
	}
	q.Unlock()

	first, _ := q.Dequeue()
	second, _ := q.Dequeue()
	if first.stop != "a" || second.stop != "b" {
		t.Errorf("expected FIFO order, got %q then %q", first.stop, second.stop)
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected empty queue")
	}
}

func TestSessionTrackerListIdle(t *testing.T) {
	tr := NewSessionTracker()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Set("old", &Session{ID: "old", LastActive: now.Add(-time.Hour)})
	tr.Set("fresh", &Session{ID: "fresh", LastActive: now})

	idle := tr.ListIdle(30 * time.Minute)
	if len(idle) != 1 || idle[0] != "old" {
		t.Errorf("expected [old], got %v", idle)
	}

	tr.Touch("old")
	if idle := tr.ListIdle(30 * time.Minute); len(idle) != 0 {
		t.Errorf("expected no idle sessions after touch, got %v", idle)
	}
}

func TestStepLimitHaltsAndSignalsRuntime(t *testing.T) {
	h := newHarness(t, testConfig())

	control := make(chan []byte, 1)
	if _, err := h.client.Subscribe(natsbus.TopicOperationControl("op1"), func(msg *nats.Msg) {
		control <- msg.Data
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = h.client.Flush()

	var out bytes.Buffer
	if _, err := h.mgr.Start(context.Background(), Spec{ID: "op1", Target: "10.0.0.1", MaxSteps: 1, Output: &out}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.mgr.Submit("op1", Callback{ID: "c1", Payload: announce("t1", "shell")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.mgr.Submit("op1", Callback{ID: "c2", Payload: announce("t2", "shell")}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res := h.wait(t, "op1")
	if !res.Halted() || res.Reason != bridge.ReasonStepLimit {
		t.Fatalf("expected halt on step_limit, got %+v", res)
	}

	select {
	case data := <-control:
		var msg map[string]string
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode control: %v", err)
		}
		if msg["type"] != "halt" || msg["reason"] != bridge.ReasonStepLimit {
			t.Errorf("unexpected control message %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for halt signal")
	}

	op, err := h.store.GetOperation("op1")
	if err != nil || op == nil {
		t.Fatalf("get operation: %v", err)
	}
	if op.Status != store.StatusHalted || op.StopReason != bridge.ReasonStepLimit || op.Steps != 1 {
		t.Errorf("unexpected stored operation %+v", op)
	}

	types := h.storedTypes(t, "op1")
	if types[0] != string(protocol.TypeOperationStart) {
		t.Errorf("expected operation_start first, got %v", types)
	}
	if types[len(types)-1] != string(protocol.TypeTermination) {
		t.Errorf("expected termination last, got %v", types)
	}

	if !strings.Contains(out.String(), protocol.StartSentinel) {
		t.Error("expected wire records on the output writer")
	}
	if _, ok := h.mgr.Status("op1"); ok {
		t.Error("expected session removed after halt")
	}
}

func TestDuplicateCallbacksAreDropped(t *testing.T) {
	h := newHarness(t, testConfig())

	if _, err := h.mgr.Start(context.Background(), Spec{ID: "op1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	cb := Callback{ID: "c1", Payload: announce("t1", "shell")}
	_ = h.mgr.Submit("op1", cb)
	_ = h.mgr.Submit("op1", cb)
	// Same invocation under a new callback id is caught by the ledger.
	_ = h.mgr.Submit("op1", Callback{ID: "c2", Payload: announce("t1", "shell")})
	_ = h.mgr.Submit("op1", Callback{ID: "c3", Payload: map[string]any{"complete": true, "report": "done"}})

	res := h.wait(t, "op1")
	if res.Reason != bridge.ReasonComplete {
		t.Fatalf("expected completion, got %+v", res)
	}

	var steps int
	for _, typ := range h.storedTypes(t, "op1") {
		if typ == string(protocol.TypeStepHeader) {
			steps++
		}
	}
	if steps != 1 {
		t.Errorf("expected 1 step header, got %d", steps)
	}

	op, _ := h.store.GetOperation("op1")
	if op.Status != store.StatusCompleted {
		t.Errorf("expected completed, got %s", op.Status)
	}
}

func TestCallbacksOverBus(t *testing.T) {
	h := newHarness(t, testConfig())

	var mu sync.Mutex
	var seen []string
	if _, err := h.client.Subscribe(natsbus.TopicEventsOperation("op1"), func(msg *nats.Msg) {
		var e protocol.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		mu.Lock()
		seen = append(seen, string(e.Type()))
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := h.mgr.Start(context.Background(), Spec{ID: "op1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Bare payload without the envelope.
	if err := h.client.PublishJSON(natsbus.TopicOperationCallback("op1"), announce("t1", "shell")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.client.PublishJSON(natsbus.TopicOperationCallback("op1"), Callback{
		ID:      "c2",
		Payload: map[string]any{"result": "all done"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	res := h.wait(t, "op1")
	if res.Reason != bridge.ReasonComplete {
		t.Fatalf("expected completion, got %+v", res)
	}
	_ = h.client.Flush()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		last := ""
		if n > 0 {
			last = seen[n-1]
		}
		mu.Unlock()
		if last == string(protocol.TypeAssessmentComplete) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected assessment_complete on the events topic, got %v", seen)
}

func TestStopViaIPC(t *testing.T) {
	h := newHarness(t, testConfig())

	if _, err := h.mgr.Start(context.Background(), Spec{ID: "op1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	var status struct {
		OK        bool    `json:"ok"`
		Operation Session `json:"operation"`
	}
	if err := h.client.RequestJSON(natsbus.TopicIPC("op1"), IPCCommand{Type: "status"}, &status, 2*time.Second); err != nil {
		t.Fatalf("status request: %v", err)
	}
	if !status.OK || status.Operation.Status != store.StatusRunning {
		t.Errorf("unexpected status %+v", status)
	}

	var resp map[string]any
	cmd := IPCCommand{Type: "stop", Payload: json.RawMessage(`{"reason":"operator"}`)}
	if err := h.client.RequestJSON(natsbus.TopicIPC("op1"), cmd, &resp, 2*time.Second); err != nil {
		t.Fatalf("stop request: %v", err)
	}
	if resp["ok"] != true {
		t.Fatalf("unexpected stop reply %v", resp)
	}

	res := h.wait(t, "op1")
	if res.Reason != "operator" {
		t.Errorf("expected reason operator, got %q", res.Reason)
	}

	// Finished operations are answered from the store.
	if err := h.client.RequestJSON(natsbus.TopicIPC("op1"), IPCCommand{Type: "status"}, &resp, 2*time.Second); err != nil {
		t.Fatalf("status request: %v", err)
	}
	op, _ := resp["operation"].(map[string]any)
	if op["status"] != store.StatusHalted {
		t.Errorf("expected halted from store, got %v", resp)
	}

	if err := h.mgr.Stop("op1", ""); err != ErrUnknownOperation {
		t.Errorf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestStartLimits(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if _, err := h.mgr.Start(ctx, Spec{ID: "a"}); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := h.mgr.Start(ctx, Spec{ID: "a"}); err != ErrOperationExists {
		t.Errorf("expected ErrOperationExists, got %v", err)
	}
	if _, err := h.mgr.Start(ctx, Spec{ID: "b"}); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if _, err := h.mgr.Start(ctx, Spec{ID: "c"}); err != ErrTooManyOperations {
		t.Errorf("expected ErrTooManyOperations, got %v", err)
	}
	if got := len(h.mgr.List()); got != 2 {
		t.Errorf("expected 2 running operations, got %d", got)
	}
}

func TestStartOverBus(t *testing.T) {
	h := newHarness(t, testConfig())

	var resp struct {
		OK    bool   `json:"ok"`
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	req := Spec{Target: "example.org", Objective: "recon"}
	if err := h.client.RequestJSON(natsbus.TopicOperationStart, req, &resp, 2*time.Second); err != nil {
		t.Fatalf("start request: %v", err)
	}
	if !resp.OK || resp.ID == "" {
		t.Fatalf("unexpected reply %+v", resp)
	}

	s, ok := h.mgr.Status(resp.ID)
	if !ok || s.Target != "example.org" || s.MaxSteps != 10 {
		t.Errorf("unexpected session %+v", s)
	}
}

func TestIdleReaperStopsQuietOperations(t *testing.T) {
	cfg := testConfig()
	cfg.Runner.IdleTimeout = time.Millisecond
	h := newHarness(t, cfg)
	h.mgr.reapEvery = 10 * time.Millisecond

	if _, err := h.mgr.Start(context.Background(), Spec{ID: "op1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.mgr.StartIdleReaper(ctx)

	res := h.wait(t, "op1")
	if res.Reason != ReasonIdleTimeout {
		t.Errorf("expected idle_timeout, got %q", res.Reason)
	}
}

func TestEventStreamBoundariesUnderLoad(t *testing.T) {
	cfg := testConfig()
	cfg.Runner.MaxOperations = 0
	cfg.Metrics.Interval = time.Millisecond
	cfg.Metrics.ForceEvery = 1
	h := newHarness(t, cfg)

	for i := 0; i < 5; i++ {
		opID := "op" + string(rune('a'+i))

		// Submit races Start: the first callback lands as soon as the
		// operation is visible.
		submitted := make(chan struct{})
		go func() {
			defer close(submitted)
			for h.mgr.Submit(opID, Callback{Payload: map[string]any{"usage": map[string]any{"inputTokens": 10, "outputTokens": 5}}}) != nil {
				time.Sleep(50 * time.Microsecond)
			}
		}()
		if _, err := h.mgr.Start(context.Background(), Spec{ID: opID, MaxSteps: 1}); err != nil {
			t.Fatalf("start %s: %v", opID, err)
		}
		<-submitted

		_ = h.mgr.Submit(opID, Callback{Payload: announce("t1", "shell")})
		time.Sleep(5 * time.Millisecond)
		_ = h.mgr.Submit(opID, Callback{Payload: announce("t2", "shell")})

		if res := h.wait(t, opID); res.Reason != bridge.ReasonStepLimit {
			t.Fatalf("%s: expected step_limit, got %+v", opID, res)
		}

		types := h.storedTypes(t, opID)
		var headers int
		for _, typ := range types {
			if typ == string(protocol.TypeOperationStart) {
				headers++
			}
		}
		if headers != 1 || types[0] != string(protocol.TypeOperationStart) {
			t.Errorf("%s: expected a single leading operation_start, got %v", opID, types)
		}
		if types[len(types)-1] != string(protocol.TypeTermination) {
			t.Errorf("%s: expected termination last, got %v", opID, types)
		}
	}
}

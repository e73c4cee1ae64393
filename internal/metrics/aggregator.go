// Package metrics reports operation usage to the event stream and to
// Prometheus. The aggregator runs on its own ticker and never touches bridge
// state other than the read-only usage Tracker.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

type Emitter interface {
	Emit(e protocol.Event)
}

// CountSource supplies the persisted evidence count for an operation.
type CountSource interface {
	CountEvidence(operationID string) (int, error)
}

// Snapshot is one reading of usage counters. Duration is excluded from
// change detection.
type Snapshot struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Duration     time.Duration
	MemoryOps    int
	Evidence     int
}

func (s Snapshot) sameCounters(o Snapshot) bool {
	return s.InputTokens == o.InputTokens &&
		s.OutputTokens == o.OutputTokens &&
		s.MemoryOps == o.MemoryOps &&
		s.Evidence == o.Evidence
}

type AggregatorConfig struct {
	OperationID string
	Interval    time.Duration
	// ForceEvery emits unconditionally every N ticks so duration-only
	// changes still reach the sink.
	ForceEvery int
}

type Aggregator struct {
	cfg        AggregatorConfig
	tracker    *Tracker
	counts     CountSource
	emitter    Emitter
	collectors *Collectors
	startedAt  time.Time
	now        func() time.Time

	mu      sync.Mutex
	last    *Snapshot
	stopped bool
	ticks   int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewAggregator(cfg AggregatorConfig, tracker *Tracker, em Emitter) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ForceEvery <= 0 {
		cfg.ForceEvery = 5
	}
	return &Aggregator{
		cfg:       cfg,
		tracker:   tracker,
		emitter:   em,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// WithCounts sets the persisted evidence source.
func (a *Aggregator) WithCounts(src CountSource) *Aggregator {
	a.counts = src
	return a
}

func (a *Aggregator) WithCollectors(c *Collectors) *Aggregator {
	a.collectors = c
	return a
}

// SetClock replaces the time source used for durations.
func (a *Aggregator) SetClock(now func() time.Time, startedAt time.Time) {
	a.now = now
	a.startedAt = startedAt
}

// Start launches the ticker loop in its own goroutine.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.Run(ctx)
	}()
}

// Run blocks until ctx is cancelled, sampling usage every interval.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			a.ticks++
			force := a.ticks%a.cfg.ForceEvery == 0
			a.mu.Unlock()
			a.Tick(force)
		}
	}
}

// Stop ends the loop and waits for it. No metrics are emitted once Stop
// returns.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// Tick samples usage once and emits an update when counters changed or
// force is set. It reports whether an event was emitted.
func (a *Aggregator) Tick(force bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return false
	}

	snap, ok := a.read()
	if !ok {
		return false
	}
	if a.last != nil && !force && snap.sameCounters(*a.last) {
		return false
	}

	a.last = &snap
	a.emitter.Emit(protocol.New(protocol.TypeMetricsUpdate, map[string]any{
		"operation_id": a.cfg.OperationID,
		"metrics": map[string]any{
			"input_tokens":     snap.InputTokens,
			"output_tokens":    snap.OutputTokens,
			"total_tokens":     snap.TotalTokens,
			"duration":         snap.Duration.Truncate(time.Second).String(),
			"duration_seconds": int64(snap.Duration.Seconds()),
			"memory_ops":       snap.MemoryOps,
			"evidence":         snap.Evidence,
		},
	}))
	a.collectors.Tokens(a.cfg.OperationID, snap.InputTokens, snap.OutputTokens)
	return true
}

// Last returns the most recently emitted snapshot.
func (a *Aggregator) Last() (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Snapshot{}, false
	}
	return *a.last, true
}

func (a *Aggregator) read() (Snapshot, bool) {
	if a.tracker == nil {
		return Snapshot{}, false
	}
	u, ok := a.tracker.Usage()
	if !ok {
		return Snapshot{}, false
	}

	evidence := u.Evidence
	if a.counts != nil {
		n, err := a.counts.CountEvidence(a.cfg.OperationID)
		if err != nil {
			slog.Debug("evidence count unavailable, skipping metrics tick", "operation", a.cfg.OperationID, "error", err)
			return Snapshot{}, false
		}
		evidence = n
	}

	return Snapshot{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.InputTokens + u.OutputTokens,
		Duration:     a.now().Sub(a.startedAt),
		MemoryOps:    u.MemoryOps,
		Evidence:     evidence,
	}, true
}

// Package emitter coalesces bursts of low-priority events into compound
// batch records while letting critical events through immediately.
package emitter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/opsbridge/internal/metrics"
	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

const (
	DefaultWindow   = 20 * time.Millisecond
	timestampFormat = "2006-01-02T15:04:05.000Z07:00"
)

type Config struct {
	OperationID string
	Window      time.Duration
}

type Emitter struct {
	cfg        Config
	sink       Sink
	collectors *metrics.Collectors
	now        func() time.Time

	// mu guards everything below, including sink writes, so a timer flush
	// and a critical emit can never interleave.
	mu     sync.Mutex
	seq    uint64
	queue  []protocol.Event
	timer  *time.Timer
	gen    uint64
	closed bool
}

func New(cfg Config, sink Sink) *Emitter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Emitter{
		cfg:  cfg,
		sink: sink,
		now:  time.Now,
	}
}

func (e *Emitter) WithCollectors(c *metrics.Collectors) *Emitter {
	e.collectors = c
	return e
}

// Emit stamps ev with an id and timestamp when missing and either writes it
// now (critical kinds, after anything already queued) or queues it for the
// current batching window.
func (e *Emitter) Emit(ev protocol.Event) {
	ev = ev.Clone()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		slog.Warn("emit after close, dropping event", "operation", e.cfg.OperationID, "type", ev.Type())
		return
	}
	e.stampLocked(ev)

	if protocol.IsCritical(ev.Type()) {
		e.flushLocked()
		e.writeLocked(ev)
		return
	}

	e.queue = append(e.queue, ev)
	if e.timer == nil {
		gen := e.gen
		e.timer = time.AfterFunc(e.cfg.Window, func() { e.onTimer(gen) })
	}
}

// Flush writes whatever is queued without waiting for the window.
func (e *Emitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

// Close flushes pending events and closes the sink. Later emits are dropped.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.flushLocked()
	e.closed = true
	e.mu.Unlock()

	if err := e.sink.Close(); err != nil {
		return fmt.Errorf("close sink: %w", err)
	}
	return nil
}

// Pending returns the number of queued, unwritten events.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Emitter) onTimer(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		// Superseded by a flush that already drained this window.
		return
	}
	e.timer = nil
	e.flushLocked()
}

func (e *Emitter) flushLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++

	switch len(e.queue) {
	case 0:
		return
	case 1:
		e.writeLocked(e.queue[0])
	default:
		events := make([]protocol.Event, len(e.queue))
		copy(events, e.queue)
		batch := protocol.New(protocol.TypeBatch, map[string]any{"events": events})
		e.stampLocked(batch)
		e.writeLocked(batch)
	}
	e.queue = e.queue[:0]
}

func (e *Emitter) stampLocked(ev protocol.Event) {
	if ev.ID() == "" {
		e.seq++
		ev["id"] = fmt.Sprintf("%s_%d", e.cfg.OperationID, e.seq)
	}
	if ev.Timestamp() == "" {
		ev["timestamp"] = e.now().UTC().Format(timestampFormat)
	}
}

func (e *Emitter) writeLocked(ev protocol.Event) {
	if err := e.sink.Write(ev); err != nil {
		slog.Warn("event sink write failed", "operation", e.cfg.OperationID, "type", ev.Type(), "error", err)
		e.collectors.SinkError("emitter")
	}

	if ev.Type() == protocol.TypeBatch {
		e.collectors.BatchEmitted()
		for _, sub := range ev.SubEvents() {
			e.collectors.EventEmitted(string(sub.Type()))
		}
		return
	}
	e.collectors.EventEmitted(string(ev.Type()))
}

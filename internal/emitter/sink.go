package emitter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

// Sink receives finalized events. Write must not retain e after returning.
type Sink interface {
	Write(e protocol.Event) error
	Close() error
}

var (
	ErrSinkFull   = errors.New("sink buffer full")
	ErrSinkClosed = errors.New("sink closed")
)

// WriterSink encodes events as wire records onto an io.Writer.
type WriterSink struct {
	w  io.Writer
	mu sync.Mutex
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(e protocol.Event) error {
	rec, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NamedSink pairs a sink with the label used in logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink fans events out to several sinks. A failing sink never prevents
// delivery to the others.
type MultiSink struct {
	sinks []NamedSink
}

func NewMultiSink(sinks ...NamedSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Add(name string, s Sink) {
	m.sinks = append(m.sinks, NamedSink{Name: name, Sink: s})
}

func (m *MultiSink) Len() int { return len(m.sinks) }

func (m *MultiSink) Write(e protocol.Event) error {
	var errs []error
	for _, ns := range m.sinks {
		if err := ns.Sink.Write(e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ns.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, ns := range m.sinks {
		if err := ns.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ns.Name, err))
		}
	}
	return errors.Join(errs...)
}

// AsyncSink moves writes to a sink that performs network or disk I/O off
// the caller's goroutine. When the buffer is full events are dropped.
type AsyncSink struct {
	name  string
	inner Sink
	ch    chan protocol.Event
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewAsyncSink(name string, inner Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		name:  name,
		inner: inner,
		ch:    make(chan protocol.Event, buffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for e := range s.ch {
		if err := s.inner.Write(e); err != nil {
			slog.Warn("async sink write failed", "sink", s.name, "type", e.Type(), "error", err)
		}
	}
}

func (s *AsyncSink) Write(e protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- e.Clone():
		return nil
	default:
		return ErrSinkFull
	}
}

// Close drains buffered events into the inner sink, then closes it.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	<-s.done
	return s.inner.Close()
}

// FuncSink adapts a function to Sink.
type FuncSink func(e protocol.Event) error

func (f FuncSink) Write(e protocol.Event) error { return f(e) }

func (f FuncSink) Close() error { return nil }

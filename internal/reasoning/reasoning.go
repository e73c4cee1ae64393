// Package reasoning buffers streamed natural-language fragments from the
// agent and decides when they are worth emitting as one event.
package reasoning

import (
	"strings"
	"time"
)

type Config struct {
	// MaxChars flushes in any mode once the buffer reaches it.
	MaxChars int
	// SwarmMinChars and SwarmIdle together flush a quiet sub-agent's buffer.
	SwarmMinChars int
	SwarmIdle     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxChars:      2000,
		SwarmMinChars: 120,
		SwarmIdle:     1500 * time.Millisecond,
	}
}

var placeholders = map[string]bool{
	"...":    true,
	"…":      true,
	"null":   true,
	"None":   true,
	"<none>": true,
}

type Accumulator struct {
	cfg        Config
	parts      []string
	size       int
	lastAppend time.Time
	now        func() time.Time
}

// New returns an accumulator. Zero fields fall back to DefaultConfig.
func New(cfg Config) *Accumulator {
	def := DefaultConfig()
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.SwarmMinChars <= 0 {
		cfg.SwarmMinChars = def.SwarmMinChars
	}
	if cfg.SwarmIdle <= 0 {
		cfg.SwarmIdle = def.SwarmIdle
	}
	return &Accumulator{cfg: cfg, now: time.Now}
}

// SetClock replaces the time source.
func (a *Accumulator) SetClock(now func() time.Time) {
	a.now = now
}

// Append buffers a fragment. Whitespace-only and placeholder fragments are
// dropped and reported as false.
func (a *Accumulator) Append(fragment string) bool {
	trimmed := strings.TrimSpace(fragment)
	if trimmed == "" || placeholders[trimmed] {
		return false
	}
	a.parts = append(a.parts, fragment)
	a.size += len(fragment)
	a.lastAppend = a.now()
	return true
}

func (a *Accumulator) Len() int { return a.size }

func (a *Accumulator) Empty() bool { return len(a.parts) == 0 }

// FlushIfDue returns the buffered text when a flush boundary is reached.
func (a *Accumulator) FlushIfDue(swarm bool) (string, bool) {
	if a.Empty() {
		return "", false
	}
	if a.size >= a.cfg.MaxChars {
		return a.flush()
	}
	if swarm && a.size >= a.cfg.SwarmMinChars && a.now().Sub(a.lastAppend) >= a.cfg.SwarmIdle {
		return a.flush()
	}
	return "", false
}

// ForceFlush returns whatever is buffered, if anything.
func (a *Accumulator) ForceFlush() (string, bool) {
	if a.Empty() {
		return "", false
	}
	return a.flush()
}

func (a *Accumulator) flush() (string, bool) {
	text := strings.TrimSpace(strings.Join(a.parts, ""))
	a.parts = a.parts[:0]
	a.size = 0
	if text == "" {
		return "", false
	}
	return text, true
}

package metrics

import "sync"

// Usage is the authoritative usage picture for one operation.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	MemoryOps    int
	Evidence     int
}

// Tracker holds the latest usage reported by the agent runtime. The bridge
// writes it on the callback path; the aggregator only reads.
type Tracker struct {
	mu       sync.RWMutex
	usage    Usage
	reported bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// SetTokens records cumulative token counts. Runtimes report totals, so a
// lower value than already seen is ignored.
func (t *Tracker) SetTokens(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if input > t.usage.InputTokens {
		t.usage.InputTokens = input
	}
	if output > t.usage.OutputTokens {
		t.usage.OutputTokens = output
	}
	t.reported = true
}

func (t *Tracker) AddMemoryOp() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.MemoryOps++
}

func (t *Tracker) AddEvidence() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Evidence++
}

// Usage returns a copy of the current counters. ok is false until the
// runtime has reported usage at least once.
func (t *Tracker) Usage() (Usage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usage, t.reported
}

// Package budget bounds the number of steps an operation may take.
package budget

import "sync"

type State int

const (
	Running State = iota
	LimitReached
)

func (s State) String() string {
	if s == LimitReached {
		return "limit_reached"
	}
	return "running"
}

// Enforcer is the main operation's step counter. The bound is checked before
// incrementing so the ceiling is never exceeded, and LimitReached is terminal.
type Enforcer struct {
	max   int
	count int
	state State
	mu    sync.Mutex
}

func New(max int) *Enforcer {
	return &Enforcer{max: max}
}

// Next reserves the next step. It returns false once the ceiling is hit;
// every call after that is a no-op returning false.
func (e *Enforcer) Next() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == LimitReached {
		return e.count, false
	}
	if e.count+1 > e.max {
		e.state = LimitReached
		return e.count, false
	}
	e.count++
	return e.count, true
}

// Exhaust forces the terminal state, used when an operator stops the run.
func (e *Enforcer) Exhaust() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = LimitReached
}

func (e *Enforcer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Enforcer) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *Enforcer) Max() int { return e.max }

func (e *Enforcer) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.max - e.count
}

// SwarmCounter tracks iterations of delegated sub-agents. It is independent
// of the main Enforcer; overflow is reported but never terminal.
type SwarmCounter struct {
	max       int
	total     int
	perMember map[string]int
}

func NewSwarmCounter(max int) *SwarmCounter {
	return &SwarmCounter{max: max, perMember: make(map[string]int)}
}

// Next records one iteration for member. When the swarm ceiling is already
// reached the counters stay put and ok is false.
func (c *SwarmCounter) Next(member string) (memberStep int, ok bool) {
	if c.total >= c.max {
		return c.perMember[member], false
	}
	c.total++
	c.perMember[member]++
	return c.perMember[member], true
}

func (c *SwarmCounter) Total() int { return c.total }

func (c *SwarmCounter) Max() int { return c.max }

func (c *SwarmCounter) Member(name string) int { return c.perMember[name] }

// Package ledger remembers every tool invocation of one operation so that
// the many callback shapes describing the same call produce at most one
// announcement and one completion.
//
// A Ledger belongs to a single bridge and is driven from one goroutine; it
// does no locking of its own.
package ledger

import (
	"time"

	"github.com/mtzanidakis/opsbridge/internal/swarm"
	"github.com/mtzanidakis/opsbridge/internal/toolinput"
)

type Phase int

const (
	PhaseStart Phase = iota
	PhaseComplete
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Invocation is the ledger entry for one invocation id.
type Invocation struct {
	ID        string
	Tool      string
	Input     toolinput.Result
	Agent     string
	StartedAt time.Time
	Status    Status

	announced     bool
	completed     bool
	outputEmitted bool
}

func (i *Invocation) Announced() bool     { return i.announced }
func (i *Invocation) Completed() bool     { return i.completed }
func (i *Invocation) OutputEmitted() bool { return i.outputEmitted }

// Args returns the best available argument object.
func (i *Invocation) Args() map[string]any {
	return i.Input.Preview()
}

// Sighting is one raw report of an invocation.
type Sighting struct {
	Phase Phase
	Tool  string
	// Input is the argument fragment carried by this report, if any.
	Input map[string]any
	// Agent is an explicit identity attached by the runtime.
	Agent  string
	Status Status
}

type Observation struct {
	IsNewAnnouncement bool
	IsNewCompletion   bool
	// InputCompleted is set when this sighting moved the input to Complete.
	InputCompleted bool
	// AgentChanged is set when attribution moved the active swarm member.
	AgentChanged  bool
	PreviousAgent string
	Invocation    *Invocation
}

type Ledger struct {
	entries map[string]*Invocation
	order   []string
	swarm   *swarm.State
	now     func() time.Time
}

func New() *Ledger {
	return &Ledger{
		entries: make(map[string]*Invocation),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for StartedAt.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// StartSwarm makes s the attribution context for later announcements.
func (l *Ledger) StartSwarm(s *swarm.State) { l.swarm = s }

// Swarm returns the active swarm, or nil.
func (l *Ledger) Swarm() *swarm.State { return l.swarm }

// EndSwarm clears swarm state when id is the delegation call that started
// it. Completions of other calls never end a swarm.
func (l *Ledger) EndSwarm(id string) bool {
	if l.swarm == nil || l.swarm.InvocationID != id {
		return false
	}
	l.swarm = nil
	return true
}

// Observe folds one sighting into the entry for id.
func (l *Ledger) Observe(id string, s Sighting) Observation {
	inv, ok := l.entries[id]
	if !ok {
		inv = &Invocation{ID: id, Status: StatusPending, StartedAt: l.now()}
		l.entries[id] = inv
		l.order = append(l.order, id)
	}
	if inv.Tool == "" {
		inv.Tool = s.Tool
	}

	obs := Observation{Invocation: inv}

	prev := inv.Input
	if len(s.Input) > 0 && inv.Input.State != toolinput.Complete {
		inv.Input = toolinput.Reconstruct(inv.Input, s.Input)
		obs.InputCompleted = toolinput.Transitioned(prev, inv.Input)
	}

	switch s.Phase {
	case PhaseStart:
		if !inv.announced && inv.Input.State == toolinput.Complete {
			l.announce(inv, s.Agent, &obs)
		}
	case PhaseComplete:
		if !inv.announced {
			// Never seen with complete input: announce late with the best
			// reconstruction available.
			l.announce(inv, s.Agent, &obs)
		}
		if !inv.completed {
			inv.completed = true
			inv.Status = s.Status
			if inv.Status == "" {
				inv.Status = StatusSuccess
			}
			obs.IsNewCompletion = true
		}
	}
	return obs
}

// Announces reports whether observing s would announce id. Nothing is
// recorded, so callers can settle output owed to the current swarm member
// before Observe moves attribution.
func (l *Ledger) Announces(id string, s Sighting) bool {
	inv, ok := l.entries[id]
	if ok && inv.announced {
		return false
	}
	if s.Phase == PhaseComplete {
		return true
	}
	var in toolinput.Result
	if ok {
		in = inv.Input
	}
	if len(s.Input) > 0 && in.State != toolinput.Complete {
		in = toolinput.Reconstruct(in, s.Input)
	}
	return in.State == toolinput.Complete
}

func (l *Ledger) announce(inv *Invocation, explicit string, obs *Observation) {
	inv.announced = true
	obs.IsNewAnnouncement = true

	if l.swarm == nil {
		inv.Agent = explicit
		return
	}
	obs.PreviousAgent = l.swarm.Active()
	inv.Agent, obs.AgentChanged = l.swarm.Attribute(inv.Tool, explicit)
}

// MarkOutput records that meaningful output was emitted for id. It returns
// false when output was already emitted or id is unknown.
func (l *Ledger) MarkOutput(id string) bool {
	inv, ok := l.entries[id]
	if !ok || inv.outputEmitted {
		return false
	}
	inv.outputEmitted = true
	return true
}

func (l *Ledger) Get(id string) (*Invocation, bool) {
	inv, ok := l.entries[id]
	return inv, ok
}

// Outstanding returns announced invocations that have not completed, in
// first-seen order.
func (l *Ledger) Outstanding() []*Invocation {
	var out []*Invocation
	for _, id := range l.order {
		if inv := l.entries[id]; inv.announced && !inv.completed {
			out = append(out, inv)
		}
	}
	return out
}

func (l *Ledger) Len() int { return len(l.entries) }

// Reset evicts every entry and any swarm state.
func (l *Ledger) Reset() {
	l.entries = make(map[string]*Invocation)
	l.order = nil
	l.swarm = nil
}

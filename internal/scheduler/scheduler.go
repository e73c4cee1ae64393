package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/opsbridge/internal/config"
	"github.com/mtzanidakis/opsbridge/internal/natsbus"
	"github.com/mtzanidakis/opsbridge/internal/runner"
	"github.com/mtzanidakis/opsbridge/internal/schedule"
)

// Operations opens operations and reports which are still running.
type Operations interface {
	Start(ctx context.Context, spec runner.Spec) (runner.Session, error)
	Status(opID string) (runner.Session, bool)
}

// Entry is one recurring assessment and its run state.
type Entry struct {
	Name       string            `json:"name"`
	Schedule   schedule.Schedule `json:"schedule"`
	Target     string            `json:"target"`
	Objective  string            `json:"objective,omitempty"`
	MaxSteps   int               `json:"max_steps,omitempty"`
	NextRun    *time.Time        `json:"next_run,omitempty"`
	LastRun    *time.Time        `json:"last_run,omitempty"`
	LastOpID   string            `json:"last_operation,omitempty"`
	LastStatus string            `json:"last_status,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

type Scheduler struct {
	ops          Operations
	client       *natsbus.Client
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries []*Entry
}

// New builds a scheduler from configured assessments. Entries with an
// invalid schedule are rejected.
func New(cfg config.SchedulerConfig, entries []config.ScheduleConfig, ops Operations, client *natsbus.Client) (*Scheduler, error) {
	s := &Scheduler{
		ops:          ops,
		client:       client,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}

	var errs []error
	for _, e := range entries {
		sched, err := schedule.Parse(e.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", e.Name, err))
			continue
		}
		s.entries = append(s.entries, &Entry{
			Name:      e.Name,
			Schedule:  sched,
			Target:    e.Target,
			Objective: e.Objective,
			MaxSteps:  e.MaxSteps,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	s.plan()
	return s, nil
}

// plan computes the first run of every entry.
func (s *Scheduler) plan() {
	now := s.now()
	for _, e := range s.entries {
		if next, ok := e.Schedule.Next(now); ok {
			e.NextRun = &next
		}
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval, "entries", len(s.entries))

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll starts every entry that is due.
func (s *Scheduler) Poll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, e := range s.entries {
		if e.NextRun == nil || e.NextRun.After(now) {
			continue
		}
		s.execute(ctx, e, now)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *Entry, now time.Time) {
	if next, ok := e.Schedule.Next(now); ok {
		e.NextRun = &next
	} else {
		e.NextRun = nil
	}
	e.LastRun = &now

	// A run still in progress is not overlapped.
	if e.LastOpID != "" {
		if _, running := s.ops.Status(e.LastOpID); running {
			slog.Warn("scheduled assessment still running, skipping", "schedule", e.Name, "operation", e.LastOpID)
			e.LastStatus = "skipped"
			s.publish(e)
			return
		}
	}

	slog.Info("starting scheduled assessment", "schedule", e.Name, "target", e.Target)

	sess, err := s.ops.Start(ctx, runner.Spec{
		ID:        fmt.Sprintf("%s-%s", e.Name, now.UTC().Format("20060102T150405")),
		Target:    e.Target,
		Objective: e.Objective,
		MaxSteps:  e.MaxSteps,
	})
	if err != nil {
		slog.Error("scheduled assessment failed to start", "schedule", e.Name, "error", err)
		e.LastStatus = "error"
		e.LastError = err.Error()
	} else {
		e.LastOpID = sess.ID
		e.LastStatus = "started"
		e.LastError = ""
	}
	s.publish(e)

	if e.NextRun == nil {
		slog.Info("no next run, schedule finished", "schedule", e.Name)
	}
}

func (s *Scheduler) publish(e *Entry) {
	if s.client == nil {
		return
	}
	err := s.client.PublishJSON(natsbus.TopicEventsSchedule(e.Name), map[string]any{
		"type":      "schedule_fired",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"schedule":  e.Name,
			"operation": e.LastOpID,
			"status":    e.LastStatus,
		},
	})
	if err != nil {
		slog.Warn("publish schedule event", "schedule", e.Name, "error", err)
	}
}

// Entries returns a snapshot of every schedule.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

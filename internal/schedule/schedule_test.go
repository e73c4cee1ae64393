package schedule

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    string
		wantErr bool
	}{
		{"plain cron", "0 2 * * *", KindCron, false},
		{"cron macro", "@daily", KindCron, false},
		{"json interval", `{"kind":"interval","interval_ms":60000}`, KindInterval, false},
		{"json once", `{"kind":"once","at_ms":1700000000000}`, KindOnce, false},
		{"invalid cron", "not a cron", "", true},
		{"bad interval", `{"kind":"interval","interval_ms":0}`, "", true},
		{"unknown kind", `{"kind":"weekly"}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Kind != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, s.Kind)
			}
		})
	}
}

func TestNextCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 1, 30, 0, 0, time.Local)
	s := Schedule{Kind: KindCron, CronExpr: "0 2 * * *"}

	next, ok := s.Next(now)
	if !ok {
		t.Fatal("expected next run")
	}
	want := time.Date(2026, 3, 1, 2, 0, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next, ok := Schedule{Kind: KindInterval, IntervalMs: 90_000}.Next(now)
	if !ok || !next.Equal(now.Add(90*time.Second)) {
		t.Errorf("expected now+90s, got %v (%v)", next, ok)
	}
}

func TestNextOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	future := Schedule{Kind: KindOnce, AtMs: now.Add(time.Hour).UnixMilli()}
	if _, ok := future.Next(now); !ok {
		t.Error("expected a future once schedule to fire")
	}

	past := Schedule{Kind: KindOnce, AtMs: now.Add(-time.Hour).UnixMilli()}
	if _, ok := past.Next(now); ok {
		t.Error("expected a past once schedule not to fire")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		s    Schedule
		want string
	}{
		{Schedule{Kind: KindCron, CronExpr: "@hourly"}, "@hourly"},
		{Schedule{Kind: KindInterval, IntervalMs: 3_600_000}, "Every hour"},
		{Schedule{Kind: KindInterval, IntervalMs: 7_200_000}, "Every 2 hours"},
		{Schedule{Kind: KindInterval, IntervalMs: 300_000}, "Every 5 minutes"},
		{Schedule{Kind: KindInterval, IntervalMs: 30_000}, "Every 30 seconds"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

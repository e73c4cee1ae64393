package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Emit(e protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type flakyCounts struct {
	n   int
	err error
}

func (f *flakyCounts) CountEvidence(string) (int, error) { return f.n, f.err }

func TestTickSkipsUntilUsageReported(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator(AggregatorConfig{OperationID: "op"}, NewTracker(), rec)

	assert.False(t, a.Tick(false))
	assert.False(t, a.Tick(true))
	assert.Equal(t, 0, rec.count())
}

func TestTickEmitsOnlyOnChange(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker()
	a := NewAggregator(AggregatorConfig{OperationID: "op"}, tr, rec)

	start := time.Unix(1700000000, 0)
	now := start
	a.SetClock(func() time.Time { return now }, start)

	tr.SetTokens(100, 20)
	require.True(t, a.Tick(false))

	now = now.Add(10 * time.Second)
	assert.False(t, a.Tick(false), "duration alone must not trigger an update")
	assert.True(t, a.Tick(true), "forced ticks refresh duration")

	tr.AddMemoryOp()
	assert.True(t, a.Tick(false))

	require.Equal(t, 3, rec.count())
	m := rec.events[2]["metrics"].(map[string]any)
	assert.Equal(t, int64(120), m["total_tokens"])
	assert.Equal(t, 1, m["memory_ops"])
	assert.Equal(t, protocol.TypeMetricsUpdate, rec.events[2].Type())
}

func TestTokensNeverGoBackwards(t *testing.T) {
	tr := NewTracker()
	tr.SetTokens(50, 10)
	tr.SetTokens(40, 30)

	u, ok := tr.Usage()
	require.True(t, ok)
	assert.Equal(t, int64(50), u.InputTokens)
	assert.Equal(t, int64(30), u.OutputTokens)
}

func TestCountSourceFailureSkipsTick(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker()
	tr.SetTokens(1, 1)
	counts := &flakyCounts{err: errors.New("database is locked")}
	a := NewAggregator(AggregatorConfig{OperationID: "op"}, tr, rec).WithCounts(counts)

	assert.False(t, a.Tick(true))

	counts.err = nil
	counts.n = 4
	require.True(t, a.Tick(false))
	snap, ok := a.Last()
	require.True(t, ok)
	assert.Equal(t, 4, snap.Evidence)
}

func TestStopPreventsFurtherEmission(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker()
	tr.SetTokens(1, 1)
	a := NewAggregator(AggregatorConfig{OperationID: "op", Interval: 5 * time.Millisecond, ForceEvery: 1}, tr, rec)

	a.Start(context.Background())
	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, 5*time.Millisecond)

	a.Stop()
	n := rec.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rec.count())
	assert.False(t, a.Tick(true))
}

func TestCollectorsRecordTokens(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := MustNewCollectors(reg)

	rec := &recorder{}
	tr := NewTracker()
	tr.SetTokens(300, 45)
	a := NewAggregator(AggregatorConfig{OperationID: "op-9"}, tr, rec).WithCollectors(c)
	require.True(t, a.Tick(false))

	assert.Equal(t, 300.0, testutil.ToFloat64(c.tokens.WithLabelValues("op-9", "input")))
	assert.Equal(t, 45.0, testutil.ToFloat64(c.tokens.WithLabelValues("op-9", "output")))
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var c *Collectors
	c.EventEmitted("x")
	c.BatchEmitted()
	c.SinkError("x")
	c.ToolCompleted("success")
	c.Step("main")
	c.Halted("step_limit")
	c.Tokens("op", 1, 2)
	c.ForgetOperation("op")
	c.OperationStarted()
	c.OperationEnded()
}

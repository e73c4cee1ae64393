package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors exposes Prometheus collectors describing bridge activity. All
// methods are safe on a nil receiver so components can run without metrics.
type Collectors struct {
	eventsEmitted   *prometheus.CounterVec
	batches         prometheus.Counter
	sinkErrors      *prometheus.CounterVec
	toolInvocations *prometheus.CounterVec
	steps           *prometheus.CounterVec
	halts           *prometheus.CounterVec
	tokens          *prometheus.GaugeVec
	activeOps       prometheus.Gauge
}

// MustNewCollectors registers the collectors on reg, panicking on duplicate
// registration. Tests should pass a fresh prometheus.NewRegistry().
func MustNewCollectors(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsbridge",
			Subsystem: "emitter",
			Name:      "events_total",
			Help:      "Events written to sinks, by event type. Batched sub-events count individually.",
		}, []string{"type"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsbridge",
			Subsystem: "emitter",
			Name:      "batches_total",
			Help:      "Compound batch records written.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsbridge",
			Subsystem: "emitter",
			Name:      "sink_errors_total",
			Help:      "Sink write failures that were logged and swallowed.",
		}, []string{"sink"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsbridge",
			Subsystem: "bridge",
			Name:      "tool_invocations_total",
			Help:      "Tool invocations completed, by status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsbridge",
			Subsystem: "bridge",
			Name:      "steps_total",
			Help:      "Step headers emitted, by scope (main or swarm).",
		}, []string{"scope"}),
		halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsbridge",
			Subsystem: "bridge",
			Name:      "halts_total",
			Help:      "Operations halted, by reason.",
		}, []string{"reason"}),
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opsbridge",
			Subsystem: "usage",
			Name:      "tokens",
			Help:      "Latest token counts reported for an operation.",
		}, []string{"operation", "direction"}),
		activeOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsbridge",
			Subsystem: "runner",
			Name:      "operations_active",
			Help:      "Operations currently being bridged.",
		}),
	}

	reg.MustRegister(
		c.eventsEmitted, c.batches, c.sinkErrors, c.toolInvocations,
		c.steps, c.halts, c.tokens, c.activeOps,
	)
	return c
}

func (c *Collectors) EventEmitted(eventType string) {
	if c == nil {
		return
	}
	c.eventsEmitted.WithLabelValues(eventType).Inc()
}

func (c *Collectors) BatchEmitted() {
	if c == nil {
		return
	}
	c.batches.Inc()
}

func (c *Collectors) SinkError(sink string) {
	if c == nil {
		return
	}
	c.sinkErrors.WithLabelValues(sink).Inc()
}

func (c *Collectors) ToolCompleted(status string) {
	if c == nil {
		return
	}
	c.toolInvocations.WithLabelValues(status).Inc()
}

func (c *Collectors) Step(scope string) {
	if c == nil {
		return
	}
	c.steps.WithLabelValues(scope).Inc()
}

func (c *Collectors) Halted(reason string) {
	if c == nil {
		return
	}
	c.halts.WithLabelValues(reason).Inc()
}

func (c *Collectors) Tokens(operation string, input, output int64) {
	if c == nil {
		return
	}
	c.tokens.WithLabelValues(operation, "input").Set(float64(input))
	c.tokens.WithLabelValues(operation, "output").Set(float64(output))
}

func (c *Collectors) ForgetOperation(operation string) {
	if c == nil {
		return
	}
	c.tokens.DeleteLabelValues(operation, "input")
	c.tokens.DeleteLabelValues(operation, "output")
}

func (c *Collectors) OperationStarted() {
	if c == nil {
		return
	}
	c.activeOps.Inc()
}

func (c *Collectors) OperationEnded() {
	if c == nil {
		return
	}
	c.activeOps.Dec()
}

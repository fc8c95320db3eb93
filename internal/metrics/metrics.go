package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the control surface. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// registry plumbing.
type Metrics struct {
	eventsApplied     *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	confirmations     *prometheus.CounterVec
	pendingActions    prometheus.Gauge
	deliveries        *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	throttleCoalesced *prometheus.CounterVec
	commands          *prometheus.CounterVec
}

// New registers every collector on reg and panics on duplicate
// registration, mirroring promauto.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agtpilot",
			Subsystem: "controller",
			Name:      "events_applied_total",
			Help:      "Engine events applied to a task.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agtpilot",
			Subsystem: "controller",
			Name:      "events_dropped_total",
			Help:      "Engine events dropped before reaching task state.",
		}, []string{"type", "reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agtpilot",
			Subsystem: "controller",
			Name:      "transitions_total",
			Help:      "Task state transitions.",
		}, []string{"from", "to"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agtpilot",
			Subsystem: "gate",
			Name:      "confirmations_total",
			Help:      "Resolved sensitive actions by outcome.",
		}, []string{"risk", "approved", "resolved_by"}),
		pendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agtpilot",
			Subsystem: "gate",
			Name:      "pending_actions",
			Help:      "Sensitive actions awaiting a decision.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agtpilot",
			Subsystem: "delivery",
			Name:      "deliveries_total",
			Help:      "Deliveries handed to the presentation sink.",
		}, []string{"kind"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agtpilot",
			Subsystem: "delivery",
			Name:      "failures_total",
			Help:      "Deliveries discarded because the sink failed.",
		}, []string{"reason"}),
		throttleCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agtpilot",
			Subsystem: "delivery",
			Name:      "throttle_coalesced_total",
			Help:      "Throttled values superseded before delivery.",
		}, []string{"channel"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agtpilot",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Controller commands by name and outcome.",
		}, []string{"command", "outcome"}),
	}
	reg.MustRegister(
		m.eventsApplied,
		m.eventsDropped,
		m.transitions,
		m.confirmations,
		m.pendingActions,
		m.deliveries,
		m.deliveryFailures,
		m.throttleCoalesced,
		m.commands,
	)
	return m
}

func (m *Metrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(eventType, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType, reason).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Confirmation(risk string, approved bool, resolvedBy string) {
	if m == nil {
		return
	}
	label := "false"
	if approved {
		label = "true"
	}
	m.confirmations.WithLabelValues(risk, label, resolvedBy).Inc()
}

func (m *Metrics) PendingActions(n int) {
	if m == nil {
		return
	}
	m.pendingActions.Set(float64(n))
}

func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Coalesced(channel string) {
	if m == nil {
		return
	}
	m.throttleCoalesced.WithLabelValues(channel).Inc()
}

func (m *Metrics) Command(command string, applied bool) {
	if m == nil {
		return
	}
	outcome := "noop"
	if applied {
		outcome = "applied"
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

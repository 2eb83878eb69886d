package alerting

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate outcomes.
const (
	OutcomeInserted   = "inserted"
	OutcomeSuppressed = "suppressed"
	OutcomeDropped    = "dropped"
)

// Metrics holds the pipeline's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	measurements   *prometheus.CounterVec
	candidates     *prometheus.CounterVec
	gate           *prometheus.CounterVec
	lookupFailures *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	subscribers    prometheus.Gauge
	disconnects    *prometheus.CounterVec
	forwarded      *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		measurements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envalert",
			Name:      "measurements_total",
			Help:      "Measurements received, by validation result.",
		}, []string{"result"}),
		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envalert",
			Name:      "candidates_total",
			Help:      "Alert candidates produced by the rule catalog.",
		}, []string{"catalog_id", "level"}),
		gate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envalert",
			Name:      "gate_candidates_total",
			Help:      "Candidates handled by the dedup gate, by outcome.",
		}, []string{"outcome"}),
		lookupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envalert",
			Name:      "context_lookup_failures_total",
			Help:      "Failed context lookups; the dependent rule was skipped.",
		}, []string{"capability"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envalert",
			Name:      "notifications_total",
			Help:      "Change notifications published for inserted alerts.",
		}, []string{"result"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "envalert",
			Name:      "broker_subscribers",
			Help:      "Active stream subscriptions.",
		}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envalert",
			Name:      "broker_disconnects_total",
			Help:      "Subscriptions closed, by reason.",
		}, []string{"reason"}),
		forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envalert",
			Name:      "forwarded_total",
			Help:      "Alerts pushed to external services, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) measurementReceived(result string) {
	if m == nil {
		return
	}
	m.measurements.WithLabelValues(result).Inc()
}

func (m *Metrics) candidatesProduced(cs []Candidate) {
	if m == nil {
		return
	}
	for i := range cs {
		m.candidates.WithLabelValues(strconv.Itoa(cs[i].CatalogID), string(cs[i].Level)).Inc()
	}
}

func (m *Metrics) gateOutcome(outcome string) {
	if m == nil {
		return
	}
	m.gate.WithLabelValues(outcome).Inc()
}

func (m *Metrics) lookupFailed(capability string) {
	if m == nil {
		return
	}
	m.lookupFailures.WithLabelValues(capability).Inc()
}

func (m *Metrics) notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) subscriberRemoved(reason string) {
	if m == nil {
		return
	}
	m.subscribers.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

// Forwarded counts one external push attempt.
func (m *Metrics) Forwarded(result string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(result).Inc()
}

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message results.
const (
	resultProcessed = "processed"
	resultRejected  = "rejected"
)

// Metrics counts broker messages. A nil *Metrics records nothing.
type Metrics struct {
	messages *prometheus.CounterVec
}

// NewMetrics registers the ingest collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		messages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "envalert",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Broker messages consumed, by source and result.",
		}, []string{"source", "result"}),
	}
}

func (m *Metrics) message(source, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(source, result).Inc()
}

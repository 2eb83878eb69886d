package alerting

import (
	"context"

	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

// Evaluator runs the catalog against single measurements. It holds no
// per-measurement state and is safe for concurrent use.
type Evaluator struct {
	catalog *Catalog
	caps    Capabilities
	metrics *Metrics
	log     logger.Logger
}

// NewEvaluator creates an Evaluator. metrics may be nil.
func NewEvaluator(catalog *Catalog, caps Capabilities, metrics *Metrics, log logger.Logger) *Evaluator {
	return &Evaluator{catalog: catalog, caps: caps, metrics: metrics, log: log}
}

// Catalog returns the rule catalog in use.
func (e *Evaluator) Catalog() *Catalog {
	return e.catalog
}

// Capabilities returns the context lookups in use.
func (e *Evaluator) Capabilities() Capabilities {
	return e.caps
}

// Evaluate returns the candidates of every firing rule in ascending catalog
// id order. Only rules applicable to the measurement's variable run; an
// invalid reading runs only the rules marked AlwaysRun. A failed context
// lookup skips that rule and is logged, never returned.
func (e *Evaluator) Evaluate(ctx context.Context, m *Measurement) []Candidate {
	invalid := m.Invalid()
	var out []Candidate

	for _, rule := range e.catalog.RulesFor(m.Variable) {
		if invalid && !rule.AlwaysRun {
			continue
		}
		c, err := rule.Check(ctx, m, e.caps)
		if err != nil {
			capability := "unknown"
			var lookupErr *LookupError
			if errors.As(err, &lookupErr) {
				capability = lookupErr.Capability
			}
			e.metrics.lookupFailed(capability)
			e.log.Warn("context lookup failed, rule skipped",
				logger.Int("catalog_id", rule.ID),
				logger.String("capability", capability),
				logger.String("sensor_id", m.SensorID),
				logger.String("variable", m.Variable),
				logger.Error(err))
			continue
		}
		if c == nil {
			continue
		}

		c.CatalogID = rule.ID
		c.Name = rule.Name
		c.Level = rule.Level
		c.OpenModal = rule.OpenModal
		if c.Threshold == nil && rule.Threshold != nil {
			c.Threshold = threshold(*rule.Threshold)
		}
		out = append(out, *c)
	}

	e.metrics.candidatesProduced(out)
	return out
}

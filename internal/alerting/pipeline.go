package alerting

import (
	"context"
	"time"

	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
	"golang.org/x/sync/errgroup"
)

// publishTimeout bounds one change notification.
const publishTimeout = 3 * time.Second

// Result reports what happened to one measurement.
type Result struct {
	Measurement Measurement `json:"measurement"`
	Candidates  []Candidate `json:"candidates"`
	Admissions  []Admission `json:"admissions"`
}

// Inserted returns the admissions that created an alert.
func (r *Result) Inserted() []Admission {
	var out []Admission
	for _, a := range r.Admissions {
		if a.Outcome == OutcomeInserted {
			out = append(out, a)
		}
	}
	return out
}

// Pipeline runs measurements through recording, evaluation, the dedup gate
// and change notification.
type Pipeline struct {
	evaluator   *Evaluator
	gate        *Gate
	recorders   []Recorder
	publisher   Publisher
	concurrency int
	now         func() time.Time
	metrics     *Metrics
	log         logger.Logger
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Evaluator   *Evaluator
	Gate        *Gate
	Recorders   []Recorder // see measurements before evaluation
	Publisher   Publisher  // nil disables notification
	Concurrency int        // batch parallelism, default 8
	Now         func() time.Time
	Metrics     *Metrics
	Logger      logger.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	return &Pipeline{
		evaluator:   opts.Evaluator,
		gate:        opts.Gate,
		recorders:   opts.Recorders,
		publisher:   opts.Publisher,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}
}

// Evaluator returns the evaluator in use.
func (p *Pipeline) Evaluator() *Evaluator {
	return p.evaluator
}

// Process validates and handles one measurement. Only validation errors are
// returned; store and notification failures are logged and reflected in the
// admissions.
func (p *Pipeline) Process(ctx context.Context, m Measurement) (*Result, error) {
	m = m.Normalize(p.now())
	if err := m.Validate(); err != nil {
		p.metrics.measurementReceived("rejected")
		return nil, err
	}
	p.metrics.measurementReceived("accepted")
	return p.process(ctx, &m), nil
}

// ProcessBatch validates every measurement first and rejects the whole batch
// on the first invalid one. Valid batches are processed concurrently, bounded
// by the configured concurrency; results keep input order.
func (p *Pipeline) ProcessBatch(ctx context.Context, ms []Measurement) ([]*Result, error) {
	normalized := make([]Measurement, len(ms))
	for i := range ms {
		normalized[i] = ms[i].Normalize(p.now())
		if err := normalized[i].Validate(); err != nil {
			p.metrics.measurementReceived("rejected")
			return nil, errors.New(err).
				Component("alerting").
				Category(errors.CategoryValidation).
				Context("index", i).
				Build()
		}
	}

	results := make([]*Result, len(normalized))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range normalized {
		p.metrics.measurementReceived("accepted")
		g.Go(func() error {
			results[i] = p.process(gctx, &normalized[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (p *Pipeline) process(ctx context.Context, m *Measurement) *Result {
	for _, r := range p.recorders {
		if err := r.Record(ctx, m); err != nil {
			p.log.Warn("failed to record measurement",
				logger.String("sensor_id", m.SensorID),
				logger.String("variable", m.Variable),
				logger.Error(err))
		}
	}

	res := &Result{Measurement: *m, Candidates: p.evaluator.Evaluate(ctx, m)}
	for i := range res.Candidates {
		adm := p.gate.Admit(ctx, m, &res.Candidates[i])
		if adm.Outcome == OutcomeInserted {
			p.notify(ctx, &adm)
		}
		res.Admissions = append(res.Admissions, adm)
	}
	return res
}

// notify publishes the change notification for an inserted alert. A failure
// leaves the alert stored; clients pick it up on their next poll.
func (p *Pipeline) notify(ctx context.Context, adm *Admission) {
	if p.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.publisher.Publish(pubCtx, NewAlertEvent(adm.Alert)); err != nil {
		p.metrics.notification("failed")
		p.log.Error("failed to publish alert notification",
			logger.Uint64("alert_id", uint64(adm.Alert.ID)),
			logger.Error(err))
		return
	}
	p.metrics.notification("published")
}

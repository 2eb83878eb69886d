package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/datastore/v2/repository"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

// admitTimeout bounds one candidate's lookup-and-insert transaction.
const admitTimeout = 5 * time.Second

// ErrorReporter receives errors worth operator attention. Implemented by the
// telemetry package.
type ErrorReporter interface {
	CaptureError(err error, tags map[string]string)
}

// Admission is the gate's decision for one candidate.
type Admission struct {
	Candidate Candidate       `json:"candidate"`
	Outcome   string          `json:"outcome"`
	Alert     *entities.Alert `json:"alert,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Gate persists candidates as open alerts unless an equivalent open alert was
// created within the dedup window.
//
// Each candidate runs in its own transaction. Admissions for the same key in
// this process are serialised by a keyed lock; across processes the check is
// best-effort and may let an occasional duplicate through.
type Gate struct {
	repo     repository.AlertRepository
	window   time.Duration
	now      func() time.Time
	locks    *keyedMutex
	metrics  *Metrics
	reporter ErrorReporter
	log      logger.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock overrides the time source used for created_at and the window.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithReporter sends dropped-candidate errors to r.
func WithReporter(r ErrorReporter) GateOption {
	return func(g *Gate) { g.reporter = r }
}

// WithGateMetrics records outcomes in m.
func WithGateMetrics(m *Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a Gate with the given dedup window.
func NewGate(repo repository.AlertRepository, window time.Duration, log logger.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		repo:   repo,
		window: window,
		now:    time.Now,
		locks:  newKeyedMutex(),
		log:    log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Window returns the dedup window.
func (g *Gate) Window() time.Duration {
	return g.window
}

// Admit decides one candidate. Store failures drop the candidate; they are
// logged, counted and reported, and never retried.
func (g *Gate) Admit(ctx context.Context, m *Measurement, c *Candidate) Admission {
	now := g.now().UTC()
	alert := &entities.Alert{
		CatalogID:  c.CatalogID,
		Name:       c.Name,
		SensorID:   m.SensorID,
		Variable:   m.Variable,
		Level:      string(c.Level),
		Status:     entities.AlertStatusOpen,
		CreatedAt:  now,
		Message:    c.Message,
		Value:      m.ValuePtr(),
		Threshold:  c.Threshold,
		OpenModal:  c.OpenModal,
		MeasuredAt: m.Timestamp,
		Meta:       c.Meta,
	}
	key := alert.DedupKey()

	unlock := g.locks.Lock(key)
	defer unlock()

	admitCtx, cancel := context.WithTimeout(ctx, admitTimeout)
	defer cancel()

	inserted, err := g.repo.AdmitOpen(admitCtx, alert, now.Add(-g.window))
	if err != nil {
		g.drop(key, err)
		return Admission{Candidate: *c, Outcome: OutcomeDropped, Error: err.Error()}
	}
	if !inserted {
		g.metrics.gateOutcome(OutcomeSuppressed)
		g.log.Debug("candidate suppressed by open alert",
			logger.Int("catalog_id", key.CatalogID),
			logger.String("sensor_id", key.SensorID),
			logger.String("variable", key.Variable),
			logger.String("level", key.Level))
		return Admission{Candidate: *c, Outcome: OutcomeSuppressed}
	}

	g.metrics.gateOutcome(OutcomeInserted)
	g.log.Info("alert opened",
		logger.Uint64("alert_id", uint64(alert.ID)),
		logger.Int("catalog_id", key.CatalogID),
		logger.String("sensor_id", key.SensorID),
		logger.String("level", key.Level))
	return Admission{Candidate: *c, Outcome: OutcomeInserted, Alert: alert}
}

func (g *Gate) drop(key entities.DedupKey, err error) {
	g.metrics.gateOutcome(OutcomeDropped)
	g.log.Error("candidate dropped, store unavailable",
		logger.Int("catalog_id", key.CatalogID),
		logger.String("sensor_id", key.SensorID),
		logger.String("variable", key.Variable),
		logger.String("level", key.Level),
		logger.Error(err))
	if g.reporter != nil {
		g.reporter.CaptureError(errors.New(err).
			Component("alerting.gate").
			Category(errors.CategoryDatabase).
			Context("catalog_id", key.CatalogID).
			Context("sensor_id", key.SensorID).
			Build(), map[string]string{"outcome": OutcomeDropped})
	}
}

// keyedMutex hands out one mutex per dedup key and forgets it once no
// goroutine holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[entities.DedupKey]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[entities.DedupKey]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key entities.DedupKey) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

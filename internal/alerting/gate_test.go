package alerting

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/datastore/v2/repository"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *captureReporter) CaptureError(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

func coldCandidate() Candidate {
	return Candidate{
		CatalogID: RuleColdBand,
		Name:      "Cold between 0° and -4°",
		Level:     LevelWarning,
		Message:   "Temperature between 0° and -4°C (-2.0°C)",
		Threshold: threshold(0),
	}
}

func newTestGate(t *testing.T, clock *testClock, opts ...GateOption) (*Gate, repository.AlertRepository) {
	t.Helper()
	repo := repository.NewAlertRepository(setupTestDB(t))
	opts = append([]GateOption{WithClock(clock.Now)}, opts...)
	return NewGate(repo, 5*time.Minute, testLogger(), opts...), repo
}

func TestGate_InsertsThenSuppressesWithinWindow(t *testing.T) {
	clock := &testClock{now: base}
	metrics := NewMetrics(prometheus.NewRegistry())
	gate, repo := newTestGate(t, clock, WithGateMetrics(metrics))
	m := measurement(VarTemperature, -2)
	c := coldCandidate()

	first := gate.Admit(t.Context(), &m, &c)
	require.Equal(t, OutcomeInserted, first.Outcome)
	require.NotNil(t, first.Alert)
	assert.NotZero(t, first.Alert.ID)
	assert.Equal(t, base, first.Alert.CreatedAt)
	assert.Equal(t, entities.AlertStatusOpen, first.Alert.Status)
	require.NotNil(t, first.Alert.Value)
	assert.InDelta(t, -2.0, *first.Alert.Value, 0)

	clock.Advance(2 * time.Minute)
	second := gate.Admit(t.Context(), &m, &c)
	assert.Equal(t, OutcomeSuppressed, second.Outcome)
	assert.Nil(t, second.Alert)

	alerts, err := repo.ListRecent(t.Context(), repository.AlertFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.gate.WithLabelValues(OutcomeInserted)), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.gate.WithLabelValues(OutcomeSuppressed)), 0)
}

func TestGate_WindowExpiryCreatesSecondRow(t *testing.T) {
	clock := &testClock{now: base}
	gate, repo := newTestGate(t, clock)
	m := measurement(VarTemperature, -2)
	c := coldCandidate()

	require.Equal(t, OutcomeInserted, gate.Admit(t.Context(), &m, &c).Outcome)

	clock.Advance(5 * time.Minute)
	assert.Equal(t, OutcomeSuppressed, gate.Admit(t.Context(), &m, &c).Outcome, "window is inclusive")

	clock.Advance(time.Minute)
	assert.Equal(t, OutcomeInserted, gate.Admit(t.Context(), &m, &c).Outcome)

	alerts, err := repo.ListRecent(t.Context(), repository.AlertFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestGate_KeyIncludesSensorAndLevel(t *testing.T) {
	clock := &testClock{now: base}
	gate, _ := newTestGate(t, clock)
	c := coldCandidate()

	m1 := measurement(VarTemperature, -2)
	m2 := measurement(VarTemperature, -2)
	m2.SensorID = "st-02"
	require.Equal(t, OutcomeInserted, gate.Admit(t.Context(), &m1, &c).Outcome)
	assert.Equal(t, OutcomeInserted, gate.Admit(t.Context(), &m2, &c).Outcome)

	critical := c
	critical.Level = LevelCritical
	assert.Equal(t, OutcomeInserted, gate.Admit(t.Context(), &m1, &critical).Outcome)
}

func TestGate_AcknowledgedAlertDoesNotSuppress(t *testing.T) {
	clock := &testClock{now: base}
	gate, repo := newTestGate(t, clock)
	m := measurement(VarTemperature, -2)
	c := coldCandidate()

	first := gate.Admit(t.Context(), &m, &c)
	require.Equal(t, OutcomeInserted, first.Outcome)
	_, err := repo.Acknowledge(t.Context(), first.Alert.ID, "admin", base)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, OutcomeInserted, gate.Admit(t.Context(), &m, &c).Outcome)
}

func TestGate_StoreFailureDropsCandidate(t *testing.T) {
	clock := &testClock{now: base}
	reporter := &captureReporter{}
	metrics := NewMetrics(prometheus.NewRegistry())

	db := setupTestDB(t)
	repo := repository.NewAlertRepository(db)
	gate := NewGate(repo, 5*time.Minute, testLogger(),
		WithClock(clock.Now), WithReporter(reporter), WithGateMetrics(metrics))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	m := measurement(VarTemperature, -2)
	c := coldCandidate()
	adm := gate.Admit(t.Context(), &m, &c)

	assert.Equal(t, OutcomeDropped, adm.Outcome)
	assert.NotEmpty(t, adm.Error)
	assert.Nil(t, adm.Alert)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.gate.WithLabelValues(OutcomeDropped)), 0)

	require.Len(t, reporter.errs, 1)
	assert.True(t, errors.IsCategory(reporter.errs[0], errors.CategoryDatabase))
	assert.Equal(t, OutcomeDropped, reporter.tags[0]["outcome"])
}

func TestGate_ConcurrentAdmissionsInsertOnce(t *testing.T) {
	clock := &testClock{now: base}
	gate, repo := newTestGate(t, clock)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[string]int)
	)
	for range 20 {
		wg.Go(func() {
			m := measurement(VarTemperature, -2)
			c := coldCandidate()
			adm := gate.Admit(t.Context(), &m, &c)
			mu.Lock()
			outcomes[adm.Outcome]++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeInserted])
	assert.Equal(t, 19, outcomes[OutcomeSuppressed])
	assert.Zero(t, gate.locks.size(), "released locks are forgotten")

	counts, err := repo.CountByStatus(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[entities.AlertStatusOpen])
}

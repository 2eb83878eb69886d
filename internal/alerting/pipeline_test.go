package alerting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sensorwatch/envalert/internal/datastore/v2/repository"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	pipeline *Pipeline
	alerts   repository.AlertRepository
	clock    *testClock
	metrics  *Metrics
}

func newPipelineFixture(t *testing.T, pub Publisher) *pipelineFixture {
	t.Helper()
	db := setupTestDB(t)
	clock := &testClock{now: base}
	metrics := NewMetrics(prometheus.NewRegistry())
	log := testLogger()

	st := NewStoreContext(repository.NewReadingRepository(db), nil)
	alerts := repository.NewAlertRepository(db)
	evaluator := NewEvaluator(newTestCatalog(), CapabilitiesOf(st), metrics, log)
	gate := NewGate(alerts, 5*time.Minute, log, WithClock(clock.Now), WithGateMetrics(metrics))

	return &pipelineFixture{
		pipeline: NewPipeline(PipelineOptions{
			Evaluator:   evaluator,
			Gate:        gate,
			Recorders:   []Recorder{st},
			Publisher:   pub,
			Concurrency: 4,
			Now:         clock.Now,
			Metrics:     metrics,
			Logger:      log,
		}),
		alerts:  alerts,
		clock:   clock,
		metrics: metrics,
	}
}

// recordingPublisher stores published events, optionally failing.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*AlertEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func TestPipeline_DedupScenarioNotifiesOnce(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Stop()
	f := newPipelineFixture(t, bus)

	broker := newTestBroker(8, nil)
	defer broker.Close()
	ctx, cancel := context.WithCancel(t.Context())
	runErr := make(chan error, 1)
	go func() { runErr <- broker.Run(ctx, bus) }()
	require.Eventually(t, func() bool { return bus.handlerCount() == 1 }, time.Second, time.Millisecond)

	sub, err := broker.Subscribe()
	require.NoError(t, err)
	sub.Activate()

	first := measurement(VarTemperature, -2)
	res, err := f.pipeline.Process(t.Context(), first)
	require.NoError(t, err)
	require.Len(t, res.Inserted(), 1)

	f.clock.Advance(2 * time.Minute)
	second := measurement(VarTemperature, -2)
	second.Timestamp = base.Add(2 * time.Minute)
	res, err = f.pipeline.Process(t.Context(), second)
	require.NoError(t, err)
	require.Len(t, res.Admissions, 1)
	assert.Equal(t, OutcomeSuppressed, res.Admissions[0].Outcome)

	// A different alert acts as a marker: it must be the very next event.
	res, err = f.pipeline.Process(t.Context(), measurement(VarTemperature, 38))
	require.NoError(t, err)
	require.Len(t, res.Inserted(), 1)

	next := func() *AlertEvent {
		select {
		case ev := <-sub.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream event")
			return nil
		}
	}
	ev := next()
	assert.Equal(t, RuleColdBand, ev.Alert.CatalogID)
	assert.False(t, ev.OpenModal)
	ev = next()
	assert.Equal(t, RuleHeatCritical, ev.Alert.CatalogID)
	assert.True(t, ev.OpenModal)

	alerts, err := f.alerts.ListRecent(t.Context(), repository.AlertFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	cancel()
	assert.NoError(t, <-runErr)
}

func TestPipeline_ValidationRejectsBeforeEvaluation(t *testing.T) {
	pub := &recordingPublisher{}
	f := newPipelineFixture(t, pub)

	_, err := f.pipeline.Process(t.Context(), Measurement{Variable: VarTemperature, Value: 38})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Empty(t, pub.events)
	assert.InDelta(t, 1.0, testutil.ToFloat64(f.metrics.measurements.WithLabelValues("rejected")), 0)
}

func TestPipeline_RecordsBeforeEvaluating(t *testing.T) {
	f := newPipelineFixture(t, &recordingPublisher{})

	rain := func(v float64, minutes int) Measurement {
		m := measurement(VarRainfall, v)
		m.Timestamp = base.Add(time.Duration(minutes) * time.Minute)
		return m
	}
	res, err := f.pipeline.Process(t.Context(), rain(50, 0))
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	res, err = f.pipeline.Process(t.Context(), rain(35, 10))
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1, "the current reading counts toward the daily total")
	assert.Equal(t, RuleRainfall, res.Candidates[0].CatalogID)
	assert.Contains(t, res.Candidates[0].Message, "85")
}

func TestPipeline_PublishFailureKeepsAlert(t *testing.T) {
	pub := &recordingPublisher{err: fmt.Errorf("bus full")}
	f := newPipelineFixture(t, pub)

	res, err := f.pipeline.Process(t.Context(), measurement(VarTemperature, 38))
	require.NoError(t, err)
	require.Len(t, res.Inserted(), 1)

	stored, err := f.alerts.Get(t.Context(), res.Inserted()[0].Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, RuleHeatCritical, stored.CatalogID)
	assert.InDelta(t, 1.0, testutil.ToFloat64(f.metrics.notifications.WithLabelValues("failed")), 0)
}

func TestPipeline_ProcessBatch(t *testing.T) {
	pub := &recordingPublisher{}
	f := newPipelineFixture(t, pub)

	batch := []Measurement{
		measurement(VarTemperature, 38),
		measurement(VarCO2, 400),
		measurement(VarSustainedWind, 130),
	}
	batch[2].SensorID = "st-02"

	results, err := f.pipeline.ProcessBatch(t.Context(), batch)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, VarTemperature, results[0].Measurement.Variable)
	assert.Equal(t, []int{RuleHeatCritical}, catalogIDs(results[0].Candidates))
	assert.Empty(t, results[1].Candidates)
	assert.Equal(t, []int{RuleHurricane}, catalogIDs(results[2].Candidates))
	assert.Len(t, pub.events, 2)
}

func TestPipeline_ProcessBatchRejectsWholeBatch(t *testing.T) {
	pub := &recordingPublisher{}
	f := newPipelineFixture(t, pub)

	_, err := f.pipeline.ProcessBatch(t.Context(), []Measurement{
		measurement(VarTemperature, 38),
		{SensorID: "st-01"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	alerts, err := f.alerts.ListRecent(t.Context(), repository.AlertFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

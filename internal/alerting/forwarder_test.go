package alerting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	fail   bool
}

func (s *fakeSender) Send(message string, params *types.Params) []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, message)
	if params != nil {
		s.titles = append(s.titles, (*params)["title"])
	}
	if s.fail {
		return []error{nil, fmt.Errorf("ntfy: 502 bad gateway")}
	}
	return []error{nil}
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func alertEvent(id uint, level Level) *AlertEvent {
	return NewAlertEvent(&entities.Alert{
		ID: id, CatalogID: RuleHeatCritical, Name: "Heat from 37°", Level: string(level),
		SensorID: "st-01", Variable: VarTemperature, Message: "Critical temperature 38.0°C (>= 37)",
		MeasuredAt: base,
	})
}

func startForwarder(t *testing.T, f *Forwarder) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()
	return cancelFn, errCh
}

func TestForwarder_SendsAtOrAboveMinLevel(t *testing.T) {
	broker := newTestBroker(8, nil)
	defer broker.Close()
	sender := &fakeSender{}
	metrics := NewMetrics(prometheus.NewRegistry())
	f := NewForwarder(broker, sender, ForwarderOptions{MinLevel: LevelWarning, Metrics: metrics, Logger: testLogger()})

	cancel, done := startForwarder(t, f)
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	broker.Publish(alertEvent(1, LevelInfo))
	broker.Publish(alertEvent(2, LevelWarning))
	broker.Publish(alertEvent(3, LevelCritical))

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "[WARNING] Heat from 37°", sender.titles[0])
	assert.Equal(t, "[CRITICAL] Heat from 37°", sender.titles[1])
	assert.Contains(t, sender.bodies[1], "st-01")
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.forwarded.WithLabelValues("sent")), 0)
	assert.Zero(t, broker.SubscriberCount(), "cancel closes the subscription")
}

func TestForwarder_CountsFailures(t *testing.T) {
	broker := newTestBroker(8, nil)
	defer broker.Close()
	sender := &fakeSender{fail: true}
	metrics := NewMetrics(prometheus.NewRegistry())
	f := NewForwarder(broker, sender, ForwarderOptions{Metrics: metrics, Logger: testLogger()})

	cancel, done := startForwarder(t, f)
	defer func() { cancel(); <-done }()
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	broker.Publish(alertEvent(1, LevelCritical))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.forwarded.WithLabelValues("failed")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestForwarder_ResubscribesAfterDisconnect(t *testing.T) {
	broker := newTestBroker(8, nil)
	defer broker.Close()
	sender := &fakeSender{}
	f := NewForwarder(broker, sender, ForwarderOptions{RetryDelay: 10 * time.Millisecond, Logger: testLogger()})

	cancel, done := startForwarder(t, f)
	defer func() { cancel(); <-done }()
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	l := newFailingListener()
	close(l.trigger)
	require.Error(t, broker.Run(t.Context(), l))

	// The broker is unavailable until a listener runs again.
	bus := NewLocalBus(0)
	defer bus.Stop()
	ctx, stop := context.WithCancel(t.Context())
	runDone := make(chan error, 1)
	go func() { runDone <- broker.Run(ctx, bus) }()
	defer func() { stop(); <-runDone }()

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	broker.Publish(alertEvent(9, LevelCritical))
	assert.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestForwarder_StopsWhenBrokerCloses(t *testing.T) {
	broker := newTestBroker(8, nil)
	f := NewForwarder(broker, &fakeSender{}, ForwarderOptions{Logger: testLogger()})

	cancel, done := startForwarder(t, f)
	defer cancel()
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	broker.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestNewShoutrrrSender_RequiresURLs(t *testing.T) {
	_, err := NewShoutrrrSender(nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = NewShoutrrrSender([]string{"notaservice://whatever"})
	assert.Error(t, err)
}

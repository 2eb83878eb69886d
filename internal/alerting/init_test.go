package alerting

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, mutate func(*conf.Settings)) (*Service, *LocalBus) {
	t.Helper()
	settings := conf.Defaults()
	settings.Alerting.ContextCacheTTL = 0
	settings.Notification.Restart = conf.Duration(10 * time.Millisecond)
	if mutate != nil {
		mutate(settings)
	}
	bus := NewLocalBus(0)
	svc, err := NewService(ServiceDeps{
		Settings:   settings,
		DB:         setupTestDB(t),
		Transport:  bus,
		Registerer: prometheus.NewRegistry(),
		Sender:     &fakeSender{},
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, bus
}

func TestNewService_RequiresStoreAndTransport(t *testing.T) {
	_, err := NewService(ServiceDeps{})
	assert.Error(t, err)
}

func TestNewService_WiresFullContext(t *testing.T) {
	svc, _ := newTestService(t, nil)

	assert.ElementsMatch(t,
		[]string{CapabilityStats, CapabilityDailyAccumulation, CapabilityConsecutiveDaysAbove, CapabilityRecentErrorCount},
		svc.Evaluator.Capabilities().Names())
	assert.Equal(t, 5*time.Minute, svc.Gate.Window())
	assert.Nil(t, svc.Forwarder, "forwarding is off by default")
}

func TestNewService_Forwarder(t *testing.T) {
	svc, _ := newTestService(t, func(s *conf.Settings) {
		s.Forward.Enabled = true
		s.Forward.MinLevel = "warning"
	})
	require.NotNil(t, svc.Forwarder)
	assert.Equal(t, LevelWarning, svc.Forwarder.minLevel)

	_, err := NewService(ServiceDeps{
		Settings: func() *conf.Settings {
			s := conf.Defaults()
			s.Forward.Enabled = true
			s.Forward.MinLevel = "loud"
			return s
		}(),
		DB:        setupTestDB(t),
		Transport: &recordingTransport{},
		Sender:    &fakeSender{},
		Logger:    testLogger(),
	})
	assert.Error(t, err)
}

func TestService_SuperviseRelaysAndStops(t *testing.T) {
	svc, bus := newTestService(t, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- svc.Supervise(ctx) }()
	require.Eventually(t, func() bool { return bus.handlerCount() == 1 }, time.Second, time.Millisecond)

	sub, err := svc.Broker.Subscribe()
	require.NoError(t, err)

	res, err := svc.Pipeline.Process(t.Context(), Measurement{
		SensorID: "st-01", Variable: VarSustainedWind, Value: 150, Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, res.Inserted(), 1)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, RuleHurricane, ev.Alert.CatalogID)
		assert.Equal(t, res.Inserted()[0].Alert.ID, ev.Alert.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not relayed")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestService_SuperviseRestartsFailedListener(t *testing.T) {
	settings := conf.Defaults()
	settings.Alerting.ContextCacheTTL = 0
	settings.Notification.Restart = conf.Duration(5 * time.Millisecond)
	transport := &flakyTransport{fail: 2}
	svc, err := NewService(ServiceDeps{
		Settings:  settings,
		DB:        setupTestDB(t),
		Transport: transport,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- svc.Supervise(ctx) }()

	require.Eventually(t, func() bool { return transport.calls.Load() >= 3 && svc.Broker.Available() },
		time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

// flakyTransport fails its first fail Listen calls, then blocks.
type flakyTransport struct {
	recordingPublisher
	fail  int32
	calls atomic.Int32
}

func (f *flakyTransport) Listen(ctx context.Context, _ func(*AlertEvent)) error {
	if f.calls.Add(1) <= f.fail {
		return fmt.Errorf("listener connection lost")
	}
	<-ctx.Done()
	return nil
}

func (*flakyTransport) Close() error { return nil }

// recordingTransport is a Transport that accepts everything and never
// delivers.
type recordingTransport struct{ recordingPublisher }

func (*recordingTransport) Listen(ctx context.Context, _ func(*AlertEvent)) error {
	<-ctx.Done()
	return nil
}

func (*recordingTransport) Close() error { return nil }

package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id uint) *AlertEvent {
	return NewAlertEvent(&entities.Alert{ID: id, CatalogID: RuleHeatCritical, Level: string(LevelCritical), OpenModal: true})
}

// listenAsync starts bus.Listen and waits until the handler is registered.
func listenAsync(t *testing.T, bus *LocalBus, handle func(*AlertEvent)) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	before := bus.handlerCount()
	go func() { errCh <- bus.Listen(ctx, handle) }()
	require.Eventually(t, func() bool { return bus.handlerCount() > before }, time.Second, time.Millisecond)
	return cancelFn, errCh
}

func TestLocalBus_ListenAndPublish(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Stop()

	var received atomic.Pointer[AlertEvent]
	cancel, done := listenAsync(t, bus, func(e *AlertEvent) { received.Store(e) })

	require.NoError(t, bus.Publish(t.Context(), testEvent(7)))

	require.Eventually(t, func() bool { return received.Load() != nil }, time.Second, 5*time.Millisecond)
	got := received.Load()
	assert.Equal(t, uint(7), got.Alert.ID)
	assert.True(t, got.OpenModal)

	cancel()
	assert.NoError(t, <-done, "cancellation is a clean stop")
}

func TestLocalBus_MultipleListeners(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Stop()

	var count atomic.Int32
	var cancels []func()
	for range 3 {
		cancel, _ := listenAsync(t, bus, func(*AlertEvent) { count.Add(1) })
		cancels = append(cancels, cancel)
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	require.NoError(t, bus.Publish(t.Context(), testEvent(1)))
	assert.Eventually(t, func() bool { return count.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestLocalBus_PreservesOrder(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Stop()

	var (
		mu  sync.Mutex
		ids []uint
	)
	cancel, _ := listenAsync(t, bus, func(e *AlertEvent) {
		mu.Lock()
		ids = append(ids, e.Alert.ID)
		mu.Unlock()
	})
	defer cancel()

	for i := range 50 {
		require.NoError(t, bus.Publish(t.Context(), testEvent(uint(i))))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 50
	}, time.Second, 5*time.Millisecond)
	for i, id := range ids {
		assert.Equal(t, uint(i), id)
	}
}

func TestLocalBus_PanickingHandlerKeepsWorker(t *testing.T) {
	bus := NewLocalBus(0)
	defer bus.Stop()

	var count atomic.Int32
	cancel, _ := listenAsync(t, bus, func(e *AlertEvent) {
		count.Add(1)
		if e.Alert.ID == 1 {
			panic("boom")
		}
	})
	defer cancel()

	require.NoError(t, bus.Publish(t.Context(), testEvent(1)))
	require.NoError(t, bus.Publish(t.Context(), testEvent(2)))
	assert.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestLocalBus_FullBufferRejects(t *testing.T) {
	bus := NewLocalBus(1)
	defer bus.Stop()

	release := make(chan struct{})
	cancel, _ := listenAsync(t, bus, func(*AlertEvent) { <-release })
	defer cancel()

	// First event occupies the worker, second fills the buffer.
	require.NoError(t, bus.Publish(t.Context(), testEvent(1)))
	require.Eventually(t, func() bool { return len(bus.eventCh) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, bus.Publish(t.Context(), testEvent(2)))

	assert.ErrorIs(t, bus.Publish(t.Context(), testEvent(3)), ErrBusFull)
	close(release)
}

func TestLocalBus_StopEndsListenersAndPublish(t *testing.T) {
	bus := NewLocalBus(0)
	_, done := listenAsync(t, bus, func(*AlertEvent) {})

	bus.Stop()
	bus.Stop()

	assert.ErrorIs(t, <-done, ErrBusStopped)
	assert.ErrorIs(t, bus.Publish(t.Context(), testEvent(1)), ErrBusStopped)
	assert.NoError(t, bus.Close())
}

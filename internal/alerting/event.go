package alerting

import (
	"context"
	"sync"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/errors"
)

// AlertEvent is the change notification for one newly inserted alert.
// Seq is assigned by the broker and increases with publish order.
type AlertEvent struct {
	Seq       uint64          `json:"seq,omitempty"`
	Alert     *entities.Alert `json:"alert"`
	OpenModal bool            `json:"open_modal"`
}

// NewAlertEvent wraps a stored alert.
func NewAlertEvent(a *entities.Alert) *AlertEvent {
	return &AlertEvent{Alert: a, OpenModal: a.OpenModal}
}

// Publisher sends change notifications to the store's notification
// primitive.
type Publisher interface {
	Publish(ctx context.Context, event *AlertEvent) error
}

// Listener receives change notifications. Listen blocks, calling handle for
// each event in arrival order, until ctx is cancelled (returns nil) or the
// underlying connection fails (returns the error).
type Listener interface {
	Listen(ctx context.Context, handle func(*AlertEvent)) error
}

// Transport is a notification mechanism usable on both sides.
type Transport interface {
	Publisher
	Listener
	Close() error
}

var (
	// ErrBusStopped is returned by a stopped LocalBus.
	ErrBusStopped = errors.NewStd("alert event bus stopped")
	// ErrBusFull is returned when the LocalBus buffer is full and the event
	// was dropped.
	ErrBusFull = errors.NewStd("alert event bus buffer full")
)

// defaultBusBufferSize is the capacity of the LocalBus event channel.
const defaultBusBufferSize = 1000

// LocalBus is the in-process Transport. Publish is non-blocking: events go to
// a buffered channel and a single worker hands them to listeners in order, so
// the admission path never waits on subscribers.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[uint64]func(*AlertEvent)
	nextID   uint64
	eventCh  chan *AlertEvent
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewLocalBus creates a bus and starts its worker. bufferSize <= 0 uses the
// default of 1000.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = defaultBusBufferSize
	}
	b := &LocalBus{
		handlers: make(map[uint64]func(*AlertEvent)),
		eventCh:  make(chan *AlertEvent, bufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go b.processLoop()
	return b
}

// Publish enqueues an event without blocking.
func (b *LocalBus) Publish(_ context.Context, event *AlertEvent) error {
	select {
	case <-b.stopCh:
		return ErrBusStopped
	default:
	}

	select {
	case b.eventCh <- event:
		return nil
	default:
		return ErrBusFull
	}
}

// Listen registers handle until ctx is done or the bus stops.
func (b *LocalBus) Listen(ctx context.Context, handle func(*AlertEvent)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handle
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-b.stopCh:
		return ErrBusStopped
	}
}

// Stop shuts down the worker after draining queued events. Safe to call
// multiple times.
func (b *LocalBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
}

// Close implements Transport.
func (b *LocalBus) Close() error {
	b.Stop()
	return nil
}

func (b *LocalBus) processLoop() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.dispatch(event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.eventCh:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *LocalBus) dispatch(event *AlertEvent) {
	b.mu.RLock()
	handlers := make([]func(*AlertEvent), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handle := range handlers {
		safeCall(handle, event)
	}
}

func (b *LocalBus) handlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// safeCall invokes a handler with panic recovery so a panicking handler
// cannot kill the worker goroutine.
func safeCall(handle func(*AlertEvent), event *AlertEvent) {
	defer func() {
		recover() //nolint:errcheck // intentionally swallowed to keep the bus alive
	}()
	handle(event)
}

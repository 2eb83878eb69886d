package alerting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

// Close reasons reported by Subscription.Err.
var (
	ErrSlowConsumer     = errors.NewStd("subscriber buffer full")
	ErrListenerFailed   = errors.NewStd("notification listener failed")
	ErrBrokerClosed     = errors.NewStd("broker closed")
	ErrSubscriberClosed = errors.NewStd("subscription closed by subscriber")
	// ErrUnavailable is returned by Subscribe while the listener is down.
	ErrUnavailable = errors.NewStd("alert stream unavailable")
)

// SubscriptionState is the lifecycle position of a subscription.
type SubscriptionState int32

// Subscription states.
const (
	StateConnecting SubscriptionState = iota
	StateActive
	StateClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Subscription is one consumer's handle on the broker. Events arrive on a
// bounded channel; Done is closed exactly once when the subscription ends,
// after which Err reports why.
type Subscription struct {
	ID        string
	CreatedAt time.Time

	events    chan *AlertEvent
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
	err       error
	keepAlive *time.Ticker
	broker    *Broker
}

// Events delivers alert events in publish order.
func (s *Subscription) Events() <-chan *AlertEvent { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// KeepAlive ticks at the broker's keep-alive interval.
func (s *Subscription) KeepAlive() <-chan time.Time { return s.keepAlive.C }

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// Activate marks the subscription active once the consumer is ready.
func (s *Subscription) Activate() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// Err returns the close reason, or nil while the subscription is open.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription from the consumer side. Safe to call multiple
// times and after the broker closed it.
func (s *Subscription) Close() {
	s.broker.remove(s, ErrSubscriberClosed)
}

// finish records reason and releases the subscription's resources.
func (s *Subscription) finish(reason error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.err = reason
		s.state.Store(int32(StateClosed))
		s.keepAlive.Stop()
		close(s.done)
		closed = true
	})
	return closed
}

// BrokerOptions configures a Broker.
type BrokerOptions struct {
	BufferSize int           // per-subscriber event buffer, default 16
	KeepAlive  time.Duration // keep-alive interval, default 15s
	Metrics    *Metrics
	Logger     logger.Logger
}

// Broker fans alert events out to subscribers. Publishing never blocks on a
// subscriber: a full buffer disconnects that subscriber with ErrSlowConsumer.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	pubMu sync.Mutex
	seq   uint64

	available atomic.Bool
	buffer    int
	keepAlive time.Duration
	metrics   *Metrics
	log       logger.Logger
}

// NewBroker creates a broker. It accepts subscriptions immediately.
func NewBroker(opts BrokerOptions) *Broker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	b := &Broker{
		subs:      make(map[string]*Subscription),
		buffer:    opts.BufferSize,
		keepAlive: opts.KeepAlive,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
	b.available.Store(true)
	return b
}

// Subscribe registers a new subscription in the connecting state.
func (b *Broker) Subscribe() (*Subscription, error) {
	if !b.available.Load() {
		return nil, ErrUnavailable
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		events:    make(chan *AlertEvent, b.buffer),
		done:      make(chan struct{}),
		keepAlive: time.NewTicker(b.keepAlive),
		broker:    b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.keepAlive.Stop()
		return nil, ErrBrokerClosed
	}
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	b.metrics.subscriberAdded()
	b.log.Debug("subscriber connected",
		logger.String("subscription_id", sub.ID),
		logger.Int("subscribers", b.SubscriberCount()))
	return sub, nil
}

// Publish assigns the next sequence number and offers the event to every
// subscriber without blocking. Publishes are serialised so each subscriber
// observes publish order.
func (b *Broker) Publish(event *AlertEvent) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.seq++
	e := *event
	e.Seq = b.seq

	var overflow []*Subscription
	b.mu.RLock()
	for _, sub := range b.subs {
		select {
		case sub.events <- &e:
		default:
			overflow = append(overflow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflow {
		b.log.Warn("subscriber too slow, disconnecting",
			logger.String("subscription_id", sub.ID),
			logger.Uint64("seq", e.Seq))
		b.remove(sub, ErrSlowConsumer)
	}
}

// Run feeds the broker from listener until ctx is cancelled. If the listener
// fails, every subscription is closed with ErrListenerFailed, the broker
// refuses new subscriptions and the error is returned; calling Run again
// makes the broker available.
func (b *Broker) Run(ctx context.Context, listener Listener) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBrokerClosed
	}

	b.available.Store(true)
	err := listener.Listen(ctx, b.Publish)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	b.available.Store(false)
	b.log.Error("notification listener failed, closing subscriptions",
		logger.Int("subscribers", b.SubscriberCount()),
		logger.Error(err))
	b.closeAll(ErrListenerFailed)
	return errors.New(err).
		Component("alerting.broker").
		Category(errors.CategoryNetwork).
		Build()
}

// Available reports whether Subscribe currently accepts subscriptions.
func (b *Broker) Available() bool {
	return b.available.Load()
}

// SubscriberCount returns the number of open subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription with ErrBrokerClosed and refuses new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.available.Store(false)
	b.closeAll(ErrBrokerClosed)
}

func (b *Broker) closeAll(reason error) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.finish(reason) {
			b.metrics.subscriberRemoved(reasonLabel(reason))
		}
	}
}

func (b *Broker) remove(sub *Subscription, reason error) {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()

	if sub.finish(reason) {
		b.metrics.subscriberRemoved(reasonLabel(reason))
		b.log.Debug("subscriber disconnected",
			logger.String("subscription_id", sub.ID),
			logger.String("reason", reason.Error()))
	}
}

func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(reason, ErrListenerFailed):
		return "listener_failed"
	case errors.Is(reason, ErrBrokerClosed):
		return "broker_closed"
	case errors.Is(reason, ErrSubscriberClosed):
		return "client"
	default:
		return "other"
	}
}

package client

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
	"golang.org/x/time/rate"
)

const (
	defaultCooldown     = 60 * time.Second
	defaultPollInterval = 60 * time.Second
	defaultPollLimit    = 20
	defaultReconnect    = 5 * time.Second
	// three missed 15s keep-alives
	defaultStaleAfter = 45 * time.Second
)

var errStreamClosed = errors.NewStd("alert stream closed")

// Source names the channel an alert arrived on.
type Source string

const (
	SourceStream Source = "stream"
	SourcePoll   Source = "poll"
)

// Surfaced is an alert the receiver decided to present.
type Surfaced struct {
	Alert     entities.Alert
	OpenModal bool
	Source    Source
}

// Handler is called for every surfaced alert, in arrival order.
type Handler func(Surfaced)

// ReceiverOptions configures a Receiver. Zero durations and limits take the
// defaults.
type ReceiverOptions struct {
	Cooldown     time.Duration
	PollInterval time.Duration
	PollLimit    int
	Reconnect    time.Duration // minimum spacing between stream connection attempts
	StaleAfter   time.Duration // drop a stream that sends nothing for this long
	Store        StateStore
	Handler      Handler
	Logger       logger.Logger
	Now          func() time.Time
}

// OptionsFromSettings maps client settings onto ReceiverOptions.
func OptionsFromSettings(s conf.ClientSettings) ReceiverOptions {
	return ReceiverOptions{
		Cooldown:     s.Cooldown.Std(),
		PollInterval: s.PollInterval.Std(),
		PollLimit:    s.PollLimit,
	}
}

// Receiver follows the alert stream and polls while it is down. Both paths
// go through one suppression check keyed by the alert fingerprint, so an
// alert seen on one channel is not surfaced again from the other within the
// cooldown.
type Receiver struct {
	api     *Client
	opts    ReceiverOptions
	log     logger.Logger
	limiter *rate.Limiter

	streaming atomic.Bool
	pollNow   chan struct{}

	mu    sync.Mutex
	state State
	// surfaced holds fingerprints shown within the last cooldown, keyed to
	// when they were shown. Both channels check it.
	surfaced   map[string]time.Time
	lastSeenID uint
	// restoredCutoff is fixed when state is loaded; poll results created
	// before it were handled by a previous run.
	restoredCutoff time.Time
}

// NewReceiver returns a Receiver using api.
func NewReceiver(api *Client, opts ReceiverOptions) (*Receiver, error) {
	if api == nil || opts.Store == nil || opts.Handler == nil {
		return nil, errors.Newf("receiver requires a client, a state store and a handler").
			Component("client").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PollLimit <= 0 {
		opts.PollLimit = defaultPollLimit
	}
	if opts.Reconnect <= 0 {
		opts.Reconnect = defaultReconnect
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}

	return &Receiver{
		api:      api,
		opts:     opts,
		log:      log.Module("client"),
		limiter:  rate.NewLimiter(rate.Every(opts.Reconnect), 1),
		pollNow:  make(chan struct{}, 1),
		surfaced: make(map[string]time.Time),
	}, nil
}

// Run loads the cooldown state and receives alerts until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	state, err := r.opts.Store.Load(ctx)
	if err != nil {
		return err
	}
	r.restore(state)

	var wg sync.WaitGroup
	wg.Go(func() { r.pollLoop(ctx) })
	r.streamLoop(ctx)
	wg.Wait()
	return nil
}

// restore seeds suppression from durable state.
func (r *Receiver) restore(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	if state.LastNotifiedAt.IsZero() {
		r.restoredCutoff = time.Time{}
		return
	}
	r.restoredCutoff = state.LastNotifiedAt.Add(-r.opts.Cooldown)
	if state.LastFingerprint != "" {
		r.surfaced[state.LastFingerprint] = state.LastNotifiedAt
	}
}

// Streaming reports whether the stream is currently connected.
func (r *Receiver) Streaming() bool {
	return r.streaming.Load()
}

func (r *Receiver) streamLoop(ctx context.Context) {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		err := r.streamOnce(ctx)
		r.streaming.Store(false)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("alert stream down, polling until it reconnects", logger.Error(err))
		r.triggerPoll()
	}
}

func (r *Receiver) streamOnce(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := time.AfterFunc(r.opts.StaleAfter, cancel)
	defer watchdog.Stop()

	err := r.api.Stream(streamCtx,
		func() {
			r.streaming.Store(true)
			r.log.Info("alert stream connected")
		},
		func() { watchdog.Reset(r.opts.StaleAfter) },
		func(n Notification) { r.offer(ctx, n.Alert, n.OpenModal, SourceStream) },
	)
	if err == nil {
		err = errStreamClosed
	}
	return err
}

func (r *Receiver) triggerPoll() {
	select {
	case r.pollNow <- struct{}{}:
	default:
	}
}

func (r *Receiver) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.pollNow:
		}
		if r.streaming.Load() {
			continue
		}
		r.poll(ctx)
	}
}

// poll fetches the latest alerts and offers the unseen ones oldest first.
func (r *Receiver) poll(ctx context.Context) {
	alerts, err := r.api.Recent(ctx, r.opts.PollLimit)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("alert poll failed", logger.Error(err))
		}
		return
	}
	slices.SortFunc(alerts, func(a, b entities.Alert) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for i := range alerts {
		r.offer(ctx, alerts[i], alerts[i].OpenModal, SourcePoll)
	}
}

// offer surfaces alert unless it was already seen. It reports whether the
// handler was called.
func (r *Receiver) offer(ctx context.Context, alert entities.Alert, openModal bool, src Source) bool {
	fp := Fingerprint(&alert)
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if src == SourcePoll {
		if alert.ID <= r.lastSeenID {
			return false
		}
		if !r.restoredCutoff.IsZero() && alert.CreatedAt.Before(r.restoredCutoff) {
			r.lastSeenID = alert.ID
			return false
		}
	}
	r.lastSeenID = max(r.lastSeenID, alert.ID)

	for key, at := range r.surfaced {
		if now.Sub(at) >= r.opts.Cooldown {
			delete(r.surfaced, key)
		}
	}
	if _, seen := r.surfaced[fp]; seen {
		r.log.Debug("alert suppressed by cooldown",
			logger.Uint64("alert_id", uint64(alert.ID)),
			logger.String("source", string(src)))
		return false
	}

	r.surfaced[fp] = now
	r.state = State{LastNotifiedAt: now, LastFingerprint: fp}
	if err := r.opts.Store.Save(ctx, r.state); err != nil {
		r.log.Warn("failed to persist cooldown state", logger.Error(err))
	}
	r.opts.Handler(Surfaced{Alert: alert, OpenModal: openModal, Source: src})
	return true
}

// Fingerprint identifies an alert independent of the channel it arrived on.
func Fingerprint(a *entities.Alert) string {
	return fmt.Sprintf("%d|%d|%s|%s", a.ID, a.CatalogID, a.SensorID, a.Level)
}

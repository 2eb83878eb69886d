package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

// Sender delivers one message to external services. *router.ServiceRouter
// from shoutrrr satisfies it.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// NewShoutrrrSender builds a Sender for the given shoutrrr service URLs.
func NewShoutrrrSender(urls []string) (Sender, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("no forward urls configured").
			Component("alerting.forwarder").
			Category(errors.CategoryConfiguration).
			Build()
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.New(err).
			Component("alerting.forwarder").
			Category(errors.CategoryConfiguration).
			Context("urls", len(urls)).
			Build()
	}
	return sender, nil
}

// ForwarderOptions configures a Forwarder.
type ForwarderOptions struct {
	MinLevel   Level
	Timeout    time.Duration // per send, default 10s
	RetryDelay time.Duration // before resubscribing, default 5s
	Metrics    *Metrics
	Logger     logger.Logger
}

// Forwarder is a broker subscriber that pushes alerts at or above a minimum
// level to external services.
type Forwarder struct {
	broker     *Broker
	sender     Sender
	minLevel   Level
	timeout    time.Duration
	retryDelay time.Duration
	metrics    *Metrics
	log        logger.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(broker *Broker, sender Sender, opts ForwarderOptions) *Forwarder {
	if opts.MinLevel == "" {
		opts.MinLevel = LevelCritical
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	return &Forwarder{
		broker:     broker,
		sender:     sender,
		minLevel:   opts.MinLevel,
		timeout:    opts.Timeout,
		retryDelay: opts.RetryDelay,
		metrics:    opts.Metrics,
		log:        opts.Logger.Module("forwarder"),
	}
}

// Run consumes the broker until ctx is cancelled or the broker closes. A
// disconnected or unavailable subscription is retried after RetryDelay.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		sub, err := f.broker.Subscribe()
		switch {
		case errors.Is(err, ErrBrokerClosed):
			return nil
		case err != nil:
			f.log.Debug("broker unavailable, retrying", logger.Error(err))
		default:
			if f.consume(ctx, sub) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.retryDelay):
		}
	}
}

// consume forwards events from sub and reports whether Run should stop.
func (f *Forwarder) consume(ctx context.Context, sub *Subscription) bool {
	sub.Activate()
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return true
		case ev := <-sub.Events():
			f.forward(ctx, ev)
		case <-sub.Done():
			f.drain(ctx, sub)
			reason := sub.Err()
			if errors.Is(reason, ErrBrokerClosed) {
				return true
			}
			f.log.Warn("forwarder subscription closed, resubscribing",
				logger.String("reason", reason.Error()))
			return false
		}
	}
}

func (f *Forwarder) drain(ctx context.Context, sub *Subscription) {
	for {
		select {
		case ev := <-sub.Events():
			f.forward(ctx, ev)
		default:
			return
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev *AlertEvent) {
	if ev == nil || ev.Alert == nil || !Level(ev.Alert.Level).AtLeast(f.minLevel) {
		return
	}
	title, body := FormatForward(ev)
	params := types.Params{"title": title}

	done := make(chan []error, 1)
	go func() { done <- f.sender.Send(body, &params) }()

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	var errs []error
	select {
	case errs = <-done:
	case <-timer.C:
		errs = []error{fmt.Errorf("send timed out after %s", f.timeout)}
	case <-ctx.Done():
		return
	}

	if err := errors.Join(errs...); err != nil {
		f.metrics.Forwarded("failed")
		f.log.Error("failed to forward alert",
			logger.Uint64("alert_id", uint64(ev.Alert.ID)),
			logger.Error(err))
		return
	}
	f.metrics.Forwarded("sent")
	f.log.Debug("alert forwarded", logger.Uint64("alert_id", uint64(ev.Alert.ID)))
}

// FormatForward renders the title and body pushed for an alert.
func FormatForward(ev *AlertEvent) (title, body string) {
	a := ev.Alert
	title = fmt.Sprintf("[%s] %s", upper.String(a.Level), a.Name)
	body = fmt.Sprintf("%s\nsensor: %s (%s)\nat: %s",
		a.Message, a.SensorID, a.Variable, a.MeasuredAt.UTC().Format(time.RFC3339))
	return title, body
}

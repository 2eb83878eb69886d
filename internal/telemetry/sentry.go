// Package telemetry reports errors that need operator attention to Sentry.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

const flushTimeout = 2 * time.Second

// Reporter sends errors to Sentry, tagged with the component and category
// carried by enhanced errors.
type Reporter struct {
	hub *sentry.Hub
	log logger.Logger
}

// NewReporter builds a Reporter from settings. It returns nil when telemetry
// is disabled; a nil *Reporter is safe to use.
func NewReporter(s conf.SentrySettings, log logger.Logger) (*Reporter, error) {
	if !s.Enabled {
		return nil, nil
	}
	if s.DSN == "" {
		return nil, errors.Newf("sentry is enabled but no dsn is configured").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return newReporter(sentry.ClientOptions{
		Dsn:         s.DSN,
		Environment: s.Environment,
		SampleRate:  s.SampleRate,
	}, log)
}

func newReporter(opts sentry.ClientOptions, log logger.Logger) (*Reporter, error) {
	if log == nil {
		log = logger.Global()
	}
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to initialize sentry: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &Reporter{
		hub: sentry.NewHub(client, sentry.NewScope()),
		log: log.Module("telemetry"),
	}, nil
}

// CaptureError reports err with tags.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if r == nil || err == nil {
		return
	}
	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		var ee *errors.EnhancedError
		if errors.As(err, &ee) {
			if c := ee.Component(); c != "" {
				scope.SetTag("component", c)
			}
			if cat := ee.Category(); cat != "" {
				scope.SetTag("category", string(cat))
			}
			if ctx := ee.Context(); len(ctx) > 0 {
				scope.SetContext("error", sentry.Context(ctx))
			}
		}
		scope.SetTags(tags)
	})
	if id := hub.CaptureException(err); id != nil {
		r.log.Debug("error reported", logger.String("event_id", string(*id)))
	}
}

// Flush waits for queued events to be sent.
func (r *Reporter) Flush() {
	if r == nil {
		return
	}
	if !r.hub.Flush(flushTimeout) {
		r.log.Warn("sentry flush timed out", logger.Duration("timeout", flushTimeout))
	}
}

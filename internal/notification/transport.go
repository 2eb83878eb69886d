package notification

import (
	"context"

	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

// Transport modes.
const (
	ModeLocal    = "local"
	ModePostgres = "postgres"
	ModeRedis    = "redis"
)

// NewTransport opens the transport selected by s.Mode.
func NewTransport(ctx context.Context, s *conf.NotificationSettings, log logger.Logger) (alerting.Transport, error) {
	log = log.Module("notification")
	switch s.Mode {
	case ModeLocal, "":
		return alerting.NewLocalBus(s.BufferSize), nil
	case ModePostgres:
		return NewPostgresTransport(ctx, s.Postgres.DSN, s.Channel, log)
	case ModeRedis:
		return NewRedisTransport(ctx, NewRedisClient(s.Redis), s.Channel, log)
	default:
		return nil, errors.Newf("unknown notification mode %q", s.Mode).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

package notification

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

// PostgresTransport publishes with pg_notify and listens on a dedicated
// connection with LISTEN. Notifications are delivered to listeners that were
// listening when the publishing transaction committed.
type PostgresTransport struct {
	dsn     string
	channel string
	pool    *pgxpool.Pool
	log     logger.Logger
}

// NewPostgresTransport connects the publishing pool.
func NewPostgresTransport(ctx context.Context, dsn, channel string, log logger.Logger) (*PostgresTransport, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to create postgres pool: %w", err)).
			Component("notification.postgres").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &PostgresTransport{
		dsn:     dsn,
		channel: channel,
		pool:    pool,
		log:     log.Module("postgres"),
	}, nil
}

// Publish implements alerting.Publisher.
func (t *PostgresTransport) Publish(ctx context.Context, e *alerting.AlertEvent) error {
	payload, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", t.channel, string(payload)); err != nil {
		return errors.New(fmt.Errorf("failed to notify %s: %w", t.channel, err)).
			Component("notification.postgres").
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

// Listen implements alerting.Listener. It returns nil when ctx is cancelled
// and the connection error otherwise.
func (t *PostgresTransport) Listen(ctx context.Context, handle func(*alerting.AlertEvent)) error {
	conn, err := pgx.Connect(ctx, t.dsn)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect listener: %w", err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to listen on %s: %w", t.channel, err)
	}
	t.log.Info("listening for alert notifications", logger.String("channel", t.channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("notification connection lost: %w", err)
		}
		e, err := DecodeEvent([]byte(n.Payload))
		if err != nil {
			t.log.Warn("skipping invalid notification payload",
				logger.String("channel", n.Channel),
				logger.Error(err))
			continue
		}
		handle(e)
	}
}

// Close releases the publishing pool.
func (t *PostgresTransport) Close() error {
	t.pool.Close()
	return nil
}

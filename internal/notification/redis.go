package notification

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

// RedisTransport carries alert events over Redis PUBLISH/SUBSCRIBE.
type RedisTransport struct {
	client  *redis.Client
	channel string
	log     logger.Logger
}

// NewRedisClient builds a client from settings.
func NewRedisClient(s conf.RedisSettings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
}

// NewRedisTransport wraps client. Ping verifies the connection.
func NewRedisTransport(ctx context.Context, client *redis.Client, channel string, log logger.Logger) (*RedisTransport, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.New(fmt.Errorf("failed to reach redis: %w", err)).
			Component("notification.redis").
			Category(errors.CategoryNetwork).
			Build()
	}
	return &RedisTransport{client: client, channel: channel, log: log.Module("redis")}, nil
}

// Publish implements alerting.Publisher.
func (t *RedisTransport) Publish(ctx context.Context, e *alerting.AlertEvent) error {
	payload, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return errors.New(fmt.Errorf("failed to publish to %s: %w", t.channel, err)).
			Component("notification.redis").
			Category(errors.CategoryNetwork).
			Build()
	}
	return nil
}

// Listen implements alerting.Listener.
func (t *RedisTransport) Listen(ctx context.Context, handle func(*alerting.AlertEvent)) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so no publish is missed after
	// Listen reports ready.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", t.channel, err)
	}
	t.log.Info("listening for alert notifications", logger.String("channel", t.channel))

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscription to %s lost: %w", t.channel, err)
		}
		e, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			t.log.Warn("skipping invalid notification payload",
				logger.String("channel", msg.Channel),
				logger.Error(err))
			continue
		}
		handle(e)
	}
}

// Close closes the client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

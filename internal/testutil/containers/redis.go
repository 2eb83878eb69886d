//go:build integration

package containers

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisContainer is a Redis server for pub/sub and client state tests.
type RedisContainer struct {
	*endpoint
}

// NewRedisContainer starts a redis:7-alpine container.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}
	e, err := startContainer(ctx, req, "6379")
	if err != nil {
		return nil, err
	}
	return &RedisContainer{endpoint: e}, nil
}

// Addr returns host:port of the server.
func (c *RedisContainer) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Terminate removes the container.
func (c *RedisContainer) Terminate(ctx context.Context) error {
	return c.terminate(ctx)
}

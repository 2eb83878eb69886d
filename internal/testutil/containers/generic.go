//go:build integration

package containers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// endpoint is a started container with one mapped port.
type endpoint struct {
	container testcontainers.Container
	host      string
	port      int
}

// startContainer starts req and resolves the host mapping of port.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (*endpoint, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		// Use background context for cleanup to ensure it succeeds even if parent ctx expired
		_ = c.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		_ = c.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get mapped port %s: %w", port, err)
	}
	return &endpoint{container: c, host: host, port: mapped.Int()}, nil
}

func (e *endpoint) terminate(ctx context.Context) error {
	if e == nil || e.container == nil {
		return nil
	}
	if err := e.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate container: %w", err)
	}
	return nil
}

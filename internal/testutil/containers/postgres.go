//go:build integration

package containers

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer is a PostgreSQL server for store and LISTEN/NOTIFY tests.
type PostgresContainer struct {
	*endpoint
	database string
	user     string
	password string
}

// PostgresConfig holds configuration for PostgreSQL container creation.
type PostgresConfig struct {
	// Image (default: "postgres:16-alpine")
	Image    string
	Database string
	User     string
	Password string
}

// DefaultPostgresConfig returns a PostgresConfig with sensible defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Image:    "postgres:16-alpine",
		Database: "envalert_test",
		User:     "envalert",
		Password: "envalert",
	}
}

// NewPostgresContainer starts a PostgreSQL container. If config is nil, uses
// DefaultPostgresConfig().
func NewPostgresContainer(ctx context.Context, config *PostgresConfig) (*PostgresContainer, error) {
	if config == nil {
		defaultCfg := DefaultPostgresConfig()
		config = &defaultCfg
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       config.Database,
			"POSTGRES_USER":     config.User,
			"POSTGRES_PASSWORD": config.Password,
		},
		// The server restarts once after init; wait for the second ready line.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	e, err := startContainer(ctx, req, "5432")
	if err != nil {
		return nil, err
	}
	return &PostgresContainer{
		endpoint: e,
		database: config.Database,
		user:     config.User,
		password: config.Password,
	}, nil
}

// DSN returns a libpq-style URL for the container.
func (c *PostgresContainer) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		c.user, c.password, net.JoinHostPort(c.host, strconv.Itoa(c.port)), c.database)
}

// Terminate removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	return c.terminate(ctx)
}

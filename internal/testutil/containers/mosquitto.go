//go:build integration

//nolint:misspell // Mosquitto is the official Eclipse project name
package containers

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const mosquittoConfig = `listener 1883
allow_anonymous true
persistence false
`

// MosquittoContainer is an anonymous Eclipse Mosquitto broker for ingest tests.
type MosquittoContainer struct {
	*endpoint
}

// NewMosquittoContainer starts eclipse-mosquitto:2.0 listening on 1883
// without authentication.
func NewMosquittoContainer(ctx context.Context) (*MosquittoContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-test.conf"},
		Files: []testcontainers.ContainerFile{{
			Reader:            strings.NewReader(mosquittoConfig),
			ContainerFilePath: "/mosquitto-test.conf",
			FileMode:          0o644,
		}},
		WaitingFor: wait.ForListeningPort("1883/tcp").
			WithStartupTimeout(30 * time.Second),
	}
	e, err := startContainer(ctx, req, "1883")
	if err != nil {
		return nil, err
	}
	return &MosquittoContainer{endpoint: e}, nil
}

// BrokerURL returns tcp://host:port.
func (c *MosquittoContainer) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Publisher connects a plain client for publishing test payloads.
func (c *MosquittoContainer) Publisher(clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.BrokerURL()).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s timed out", c.BrokerURL())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return client, nil
}

// Terminate removes the container.
func (c *MosquittoContainer) Terminate(ctx context.Context) error {
	return c.terminate(ctx)
}

//go:build integration

package containers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NtfyContainer is an anonymous ntfy push server used as a forwarding target.
type NtfyContainer struct {
	*endpoint
}

// NtfyMessage is one message polled from an ntfy topic.
type NtfyMessage struct {
	ID       string   `json:"id"`
	Event    string   `json:"event"`
	Topic    string   `json:"topic"`
	Message  string   `json:"message"`
	Title    string   `json:"title"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
	Time     int64    `json:"time"`
}

// NewNtfyContainer starts binwiederhier/ntfy with an in-memory cache so that
// published messages can be polled back.
func NewNtfyContainer(ctx context.Context) (*NtfyContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "binwiederhier/ntfy:latest",
		ExposedPorts: []string{"80/tcp"},
		Cmd:          []string{"serve", "--cache-file=/tmp/ntfy/cache.db"},
		Tmpfs:        map[string]string{"/tmp/ntfy": "rw"},
		WaitingFor: wait.ForHTTP("/v1/health").
			WithPort("80/tcp").
			WithStartupTimeout(30 * time.Second),
	}
	e, err := startContainer(ctx, req, "80")
	if err != nil {
		return nil, err
	}
	return &NtfyContainer{endpoint: e}, nil
}

// Host returns host:port, the form shoutrrr ntfy URLs expect.
func (c *NtfyContainer) Host() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// ShoutrrrURL returns a plain-HTTP ntfy service URL for topic.
func (c *NtfyContainer) ShoutrrrURL(topic string) string {
	return fmt.Sprintf("ntfy://%s/%s?scheme=http", c.Host(), topic)
}

// PollMessages returns the cached messages on topic, skipping open and
// keepalive events.
func (c *NtfyContainer) PollMessages(ctx context.Context, topic string) ([]NtfyMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	target := fmt.Sprintf("http://%s/%s/json?poll=1", c.Host(), topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", topic, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll %s: status %d", topic, resp.StatusCode)
	}

	var messages []NtfyMessage
	dec := json.NewDecoder(resp.Body)
	for {
		var msg NtfyMessage
		err := dec.Decode(&msg)
		if errors.Is(err, io.EOF) {
			return messages, nil
		}
		if err != nil {
			return nil, fmt.Errorf("poll %s: decode: %w", topic, err)
		}
		if msg.Event == "message" || msg.Event == "" {
			messages = append(messages, msg)
		}
	}
}

// Terminate removes the container.
func (c *NtfyContainer) Terminate(ctx context.Context) error {
	return c.terminate(ctx)
}

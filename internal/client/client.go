// Package client consumes the alert API: it follows the SSE stream, falls
// back to polling while the stream is down and suppresses repeats with a
// durable cooldown.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/errors"
)

const (
	apiPrefix      = "/api/v2"
	requestTimeout = 15 * time.Second
	maxSSELineSize = 1 << 20
)

// ErrStreamReset is returned by Stream when the server ends the stream with a
// reset frame.
var ErrStreamReset = errors.NewStd("alert stream reset by server")

// Client talks to the envalert HTTP API.
type Client struct {
	base string
	http *http.Client
}

// New returns a Client for server, e.g. "http://localhost:8080". httpClient
// must not set a Timeout since it also carries the long-lived stream.
func New(server string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid server url %q", server).
			Component("client").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: u.String() + apiPrefix, http: httpClient}, nil
}

// Notification is one alert pushed on the stream.
type Notification struct {
	Seq       uint64         `json:"-"`
	Alert     entities.Alert `json:"alert"`
	OpenModal bool           `json:"open_modal"`
}

// Recent returns the latest limit alerts, newest first.
func (c *Client) Recent(ctx context.Context, limit int) ([]entities.Alert, error) {
	var out struct {
		Alerts []entities.Alert `json:"alerts"`
	}
	target := c.base + "/alerts?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// Acknowledge acknowledges an open alert. An empty actor lets the server
// pick its default.
func (c *Client) Acknowledge(ctx context.Context, id uint, actor string) (*entities.Alert, error) {
	return c.transition(ctx, id, "ack", actor)
}

// Close closes an alert.
func (c *Client) Close(ctx context.Context, id uint, actor string) (*entities.Alert, error) {
	return c.transition(ctx, id, "close", actor)
}

func (c *Client) transition(ctx context.Context, id uint, action, actor string) (*entities.Alert, error) {
	var body io.Reader
	if actor != "" {
		b, err := json.Marshal(map[string]string{"actor": actor})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	var alert entities.Alert
	target := fmt.Sprintf("%s/alerts/%d/%s", c.base, id, action)
	if err := c.do(ctx, http.MethodPost, target, body, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// apiError is the server's error body.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.New(err).
			Component("client").
			Category(errors.CategoryNetwork).
			Context("method", method).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(fmt.Errorf("failed to decode response: %w", err)).
			Component("client").
			Category(errors.CategoryNetwork).
			Build()
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	category := errors.CategoryNetwork
	switch resp.StatusCode {
	case http.StatusBadRequest:
		category = errors.CategoryValidation
	case http.StatusNotFound:
		category = errors.CategoryNotFound
	case http.StatusConflict:
		category = errors.CategoryConflict
	}
	return errors.Newf("server returned %d: %s", resp.StatusCode, msg).
		Component("client").
		Category(category).
		Context("status", resp.StatusCode).
		Build()
}

// Stream connects to the SSE endpoint and calls onEvent for every alert
// until ctx ends, the connection drops or the server sends a reset.
// onConnected runs once the server confirms the subscription. Every frame,
// keep-alives included, calls onFrame.
func (c *Client) Stream(ctx context.Context, onConnected func(), onFrame func(), onEvent func(Notification)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/alerts/stream", http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.New(err).
			Component("client").
			Category(errors.CategoryNetwork).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	return readEvents(resp.Body, func(ev sseEvent) error {
		if onFrame != nil {
			onFrame()
		}
		switch ev.event {
		case "connected":
			if onConnected != nil {
				onConnected()
			}
		case "reset":
			return ErrStreamReset
		case "", "message":
			if ev.data == "" {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(ev.data), &n); err != nil {
				// one bad frame does not end the stream
				return nil
			}
			n.Seq, _ = strconv.ParseUint(ev.id, 10, 64)
			onEvent(n)
		}
		return nil
	})
}

// sseEvent is one dispatched server-sent event. Comment-only frames have an
// empty event and data.
type sseEvent struct {
	id    string
	event string
	data  string
}

// readEvents parses an event stream, calling dispatch at each blank line.
// It returns nil at EOF and the first error dispatch returns.
func readEvents(r io.Reader, dispatch func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELineSize)

	var (
		ev      sseEvent
		data    []string
		pending bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if pending {
				ev.data = strings.Join(data, "\n")
				if err := dispatch(ev); err != nil {
					return err
				}
			}
			ev, data, pending = sseEvent{}, data[:0], false
			continue
		}
		pending = true
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.event = value
		case "data":
			data = append(data, value)
		case "id":
			ev.id = value
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.New(err).
			Component("client").
			Category(errors.CategoryNetwork).
			Build()
	}
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
	"golang.org/x/time/rate"
)

const (
	defaultMaxStreamDuration = 30 * time.Minute
	streamWriteTimeout       = 10 * time.Second
)

// StreamPayload is the data of one alert frame.
type StreamPayload struct {
	Alert     any  `json:"alert"`
	OpenModal bool `json:"open_modal"`
}

// initStreamRoutes registers the SSE and websocket streams behind a per-IP
// connection rate limiter.
func (c *Controller) initStreamRoutes() {
	s := c.Settings.Stream
	limit, burst, window := s.RateLimit, s.RateBurst, s.RateWindow.Std()
	if limit <= 0 {
		limit = 10
	}
	if burst <= 0 {
		burst = 15
	}
	if window <= 0 {
		window = time.Minute
	}

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				// limit connections per window, expressed per second
				Rate:      rate.Limit(limit / window.Seconds()),
				Burst:     burst,
				ExpiresIn: window,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusForbidden, ErrorResponse{
				Error: errorText(err, "identifier extraction failed"), Message: "Unable to identify client", Code: http.StatusForbidden,
			})
		},
		// the memory store denies with a nil error
		DenyHandler: func(ctx echo.Context, _ string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   errorText(err, "rate limit exceeded"),
				Message: "Too many stream connection attempts, please wait before trying again",
				Code:    http.StatusTooManyRequests,
			})
		},
	}
	limiter := middleware.RateLimiterWithConfig(rateLimiterConfig)

	c.Group.GET("/alerts/stream", c.StreamAlerts, limiter)
	c.Group.GET("/alerts/ws", c.StreamAlertsWS, limiter)
}

func errorText(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

// subscribe opens a broker subscription, writing 503 when the stream is down.
func (c *Controller) subscribe(ctx echo.Context) (*alerting.Subscription, error) {
	sub, err := c.Service.Broker.Subscribe()
	if err != nil {
		if errors.Is(err, alerting.ErrUnavailable) || errors.Is(err, alerting.ErrBrokerClosed) {
			return nil, c.HandleError(ctx, err, "Alert stream unavailable, use polling", http.StatusServiceUnavailable)
		}
		return nil, c.HandleError(ctx, err, "Failed to open alert stream", http.StatusInternalServerError)
	}
	return sub, nil
}

// streamContext bounds a stream by the request, the server lifetime and the
// maximum connection duration.
func (c *Controller) streamContext(ctx echo.Context) (context.Context, context.CancelFunc) {
	maxDuration := c.Settings.Stream.MaxConnectionDuration.Std()
	if maxDuration <= 0 {
		maxDuration = defaultMaxStreamDuration
	}
	streamCtx, cancel := context.WithTimeout(ctx.Request().Context(), maxDuration)
	if c.ctx != nil {
		stop := context.AfterFunc(c.ctx, cancel)
		return streamCtx, func() {
			stop()
			cancel()
		}
	}
	return streamCtx, cancel
}

// StreamAlerts serves new alerts as server-sent events.
//
// Frames: "event: connected" once; per alert "id: <seq>" with the payload as
// data; ":keepalive" comments; "event: reset" when the server ends the
// stream, telling the client to poll for anything it missed.
func (c *Controller) StreamAlerts(ctx echo.Context) error {
	sub, err := c.subscribe(ctx)
	if sub == nil {
		return err
	}
	defer sub.Close()

	streamCtx, cancel := c.streamContext(ctx)
	defer cancel()

	setSSEHeaders(ctx)
	clientID := uuid.NewString()
	if err := c.sendSSEEvent(ctx, "connected", "", map[string]string{
		"client_id":       clientID,
		"subscription_id": sub.ID,
	}); err != nil {
		return nil
	}
	sub.Activate()
	c.logStreamConnection("sse", clientID, ctx.RealIP(), true)
	defer c.logStreamConnection("sse", clientID, ctx.RealIP(), false)

	for {
		select {
		case <-streamCtx.Done():
			if errors.Is(streamCtx.Err(), context.DeadlineExceeded) || (c.ctx != nil && c.ctx.Err() != nil) {
				_ = c.sendSSEEvent(ctx, "reset", "", map[string]string{"reason": "connection lifetime ended"})
			}
			return nil

		case ev := <-sub.Events():
			if err := c.sendAlertFrame(ctx, ev); err != nil {
				return nil
			}

		case <-sub.KeepAlive():
			if err := c.sendSSEComment(ctx, "keepalive"); err != nil {
				return nil
			}

		case <-sub.Done():
			if err := c.drainFrames(ctx, sub); err != nil {
				return nil
			}
			if reason := sub.Err(); !errors.Is(reason, alerting.ErrSubscriberClosed) {
				_ = c.sendSSEEvent(ctx, "reset", "", map[string]string{"reason": reason.Error()})
			}
			return nil
		}
	}
}

// drainFrames delivers events buffered before the subscription closed.
func (c *Controller) drainFrames(ctx echo.Context, sub *alerting.Subscription) error {
	for {
		select {
		case ev := <-sub.Events():
			if err := c.sendAlertFrame(ctx, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Controller) sendAlertFrame(ctx echo.Context, ev *alerting.AlertEvent) error {
	return c.sendSSEEvent(ctx, "", strconv.FormatUint(ev.Seq, 10), StreamPayload{Alert: ev.Alert, OpenModal: ev.OpenModal})
}

func setSSEHeaders(ctx echo.Context) {
	h := ctx.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	ctx.Response().WriteHeader(http.StatusOK)
	ctx.Response().Flush()
}

// sendSSEEvent writes one frame. An empty event name produces a default
// message event.
func (c *Controller) sendSSEEvent(ctx echo.Context, event, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode SSE data: %w", err)
	}

	rc := http.NewResponseController(ctx.Response().Writer)
	_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

	w := ctx.Response()
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (c *Controller) sendSSEComment(ctx echo.Context, comment string) error {
	w := ctx.Response()
	if _, err := fmt.Fprintf(w, ":%s\n\n", comment); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (c *Controller) logStreamConnection(kind, clientID, ip string, connected bool) {
	action := "connected"
	if !connected {
		action = "disconnected"
	}
	c.logDebugIfEnabled(kind+" client "+action,
		logger.String("client_id", clientID),
		logger.String("ip", ip))
}

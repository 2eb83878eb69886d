// Package api implements the /api/v2 HTTP surface: alert queries and
// lifecycle actions, measurement submission and the live alert stream.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

// Controller owns the /api/v2 routes.
type Controller struct {
	Group    *echo.Group
	Settings *conf.Settings
	Service  *alerting.Service

	ctx    context.Context
	now    func() time.Time
	logger logger.Logger
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// New registers the v2 routes on e. ctx bounds long-lived connections; when
// it is cancelled open streams end.
func New(ctx context.Context, e *echo.Echo, settings *conf.Settings, svc *alerting.Service, log logger.Logger) *Controller {
	if settings == nil {
		settings = conf.Defaults()
	}
	if log == nil {
		log = logger.Global()
	}
	c := &Controller{
		Group:    e.Group("/api/v2"),
		Settings: settings,
		Service:  svc,
		ctx:      ctx,
		now:      time.Now,
		logger:   log.Module("api"),
	}
	c.initAlertRoutes()
	c.initStreamRoutes()
	c.initMeasurementRoutes()
	c.Group.GET("/health", c.Health)
	return c
}

// HandleError logs err and writes an ErrorResponse with code.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	if code >= http.StatusInternalServerError {
		c.logErrorIfEnabled(message,
			logger.String("path", ctx.Path()),
			logger.Error(err))
	} else {
		c.logDebugIfEnabled(message,
			logger.String("path", ctx.Path()),
			logger.Int("status", code),
			logger.Error(err))
	}
	resp := ErrorResponse{Message: message, Code: code}
	if err != nil {
		resp.Error = err.Error()
	}
	return ctx.JSON(code, resp)
}

// Health reports whether the alert stream is accepting subscribers.
func (c *Controller) Health(ctx echo.Context) error {
	broker := c.Service.Broker
	status := http.StatusOK
	state := "ok"
	if !broker.Available() {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	return ctx.JSON(status, map[string]any{
		"status":      state,
		"stream":      broker.Available(),
		"subscribers": broker.SubscriberCount(),
	})
}

func (c *Controller) logDebugIfEnabled(msg string, fields ...logger.Field) {
	if c.logger != nil {
		c.logger.Debug(msg, fields...)
	}
}

func (c *Controller) logInfoIfEnabled(msg string, fields ...logger.Field) {
	if c.logger != nil {
		c.logger.Info(msg, fields...)
	}
}

func (c *Controller) logErrorIfEnabled(msg string, fields ...logger.Field) {
	if c.logger != nil {
		c.logger.Error(msg, fields...)
	}
}

// parseUintParam parses a positive integer path parameter.
func parseUintParam(ctx echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil || v == 0 {
		return 0, errors.Newf("invalid %s %q", name, ctx.Param(name)).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	return uint(v), nil
}

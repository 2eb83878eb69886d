package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/datastore/v2/repository"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200

	defaultAckActor   = "admin"
	defaultCloseActor = "system"
)

// initAlertRoutes registers alert query and lifecycle endpoints.
func (c *Controller) initAlertRoutes() {
	alerts := c.Group.Group("/alerts")

	alerts.GET("", c.ListAlerts)
	alerts.GET("/rules", c.GetAlertRules)
	alerts.GET("/summary", c.GetAlertSummary)
	alerts.GET("/:id", c.GetAlert)
	alerts.GET("/:id/history", c.GetAlertHistory)
	alerts.POST("/:id/ack", c.AcknowledgeAlert)
	alerts.POST("/:id/close", c.CloseAlert)
}

// ListAlerts returns the most recent alerts, newest first. This is the
// fallback poll used by clients whose stream is down.
func (c *Controller) ListAlerts(ctx echo.Context) error {
	filter := repository.AlertFilter{
		SensorID: ctx.QueryParam("sensor_id"),
		Limit:    defaultListLimit,
	}

	if limitParam := ctx.QueryParam("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit <= 0 {
			return c.HandleError(ctx, err, "limit must be a positive integer", http.StatusBadRequest)
		}
		filter.Limit = min(limit, maxListLimit)
	}

	if status := ctx.QueryParam("status"); status != "" {
		switch status {
		case entities.AlertStatusOpen, entities.AlertStatusAcknowledged, entities.AlertStatusClosed:
			filter.Status = status
		default:
			return c.HandleError(ctx, nil, "status must be open, acknowledged or closed", http.StatusBadRequest)
		}
	}

	if levelParam := ctx.QueryParam("level"); levelParam != "" {
		level, err := alerting.ParseLevel(levelParam)
		if err != nil {
			return c.HandleError(ctx, err, "Invalid level", http.StatusBadRequest)
		}
		filter.Level = string(level)
	}

	if since := ctx.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.HandleError(ctx, err, "since must be an RFC3339 timestamp", http.StatusBadRequest)
		}
		filter.Since = t
	}

	alerts, err := c.Service.Alerts.ListRecent(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list alerts", http.StatusInternalServerError)
	}
	if alerts == nil {
		alerts = []entities.Alert{}
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
		"limit":  filter.Limit,
	})
}

// GetAlert returns one alert with its audit trail.
func (c *Controller) GetAlert(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid alert ID", http.StatusBadRequest)
	}

	alert, err := c.Service.Alerts.Get(ctx.Request().Context(), id)
	if err != nil {
		return c.handleRepositoryError(ctx, err, "Failed to get alert")
	}
	return ctx.JSON(http.StatusOK, alert)
}

// GetAlertHistory returns an alert's lifecycle transitions, oldest first.
func (c *Controller) GetAlertHistory(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid alert ID", http.StatusBadRequest)
	}

	history, err := c.Service.Alerts.History(ctx.Request().Context(), id)
	if err != nil {
		return c.handleRepositoryError(ctx, err, "Failed to get alert history")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"alert_id": id,
		"history":  history,
		"count":    len(history),
	})
}

// GetAlertSummary returns alert counts per status.
func (c *Controller) GetAlertSummary(ctx echo.Context) error {
	counts, err := c.Service.Alerts.CountByStatus(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "Failed to count alerts", http.StatusInternalServerError)
	}
	for _, status := range []string{entities.AlertStatusOpen, entities.AlertStatusAcknowledged, entities.AlertStatusClosed} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return ctx.JSON(http.StatusOK, counts)
}

// GetAlertRules describes the rule catalog with its effective thresholds.
func (c *Controller) GetAlertRules(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK,
		alerting.Describe(c.Service.Evaluator, c.Settings.Alerting.DedupWindow.String()))
}

// lifecycleRequest is the optional body of ack and close.
type lifecycleRequest struct {
	Actor string `json:"actor"`
}

// AcknowledgeAlert moves an open alert to acknowledged.
func (c *Controller) AcknowledgeAlert(ctx echo.Context) error {
	return c.transition(ctx, "acknowledge", defaultAckActor, c.Service.Alerts.Acknowledge)
}

// CloseAlert closes an open or acknowledged alert. Closed is terminal.
func (c *Controller) CloseAlert(ctx echo.Context) error {
	return c.transition(ctx, "close", defaultCloseActor, c.Service.Alerts.Close)
}

func (c *Controller) transition(ctx echo.Context, action, defaultActor string,
	apply func(reqCtx context.Context, id uint, actor string, at time.Time) (*entities.Alert, error),
) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid alert ID", http.StatusBadRequest)
	}

	var req lifecycleRequest
	if ctx.Request().ContentLength != 0 {
		if err := ctx.Bind(&req); err != nil {
			return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
		}
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = defaultActor
	}
	if len(actor) > 100 {
		return c.HandleError(ctx, nil, "actor exceeds 100 characters", http.StatusBadRequest)
	}

	alert, err := apply(ctx.Request().Context(), id, actor, c.now())
	if err != nil {
		return c.handleRepositoryError(ctx, err, "Failed to "+action+" alert")
	}

	c.logInfoIfEnabled("alert "+action+"d",
		logger.Uint64("alert_id", uint64(id)),
		logger.String("actor", actor),
		logger.String("status", alert.Status))
	return ctx.JSON(http.StatusOK, alert)
}

// handleRepositoryError maps repository sentinels to HTTP codes.
func (c *Controller) handleRepositoryError(ctx echo.Context, err error, message string) error {
	switch {
	case errors.Is(err, repository.ErrAlertNotFound):
		return c.HandleError(ctx, err, "Alert not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrInvalidTransition):
		return c.HandleError(ctx, err, "Alert status does not allow this action", http.StatusConflict)
	default:
		return c.HandleError(ctx, err, message, http.StatusInternalServerError)
	}
}

package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/ingest"
)

const maxMeasurementBody = 1 << 20

// initMeasurementRoutes registers the measurement submission endpoint.
func (c *Controller) initMeasurementRoutes() {
	c.Group.POST("/measurements", c.PostMeasurements)
}

// PostMeasurements evaluates one measurement or an array of them. The whole
// request is rejected with 400 if any measurement is invalid; otherwise the
// response lists candidates and admission outcomes per measurement, in
// request order.
func (c *Controller) PostMeasurements(ctx echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxMeasurementBody+1))
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read request body", http.StatusBadRequest)
	}
	if len(body) > maxMeasurementBody {
		return c.HandleError(ctx, nil, "Request body too large", http.StatusRequestEntityTooLarge)
	}

	ms, err := ingest.Decode(body, "")
	if err != nil {
		return c.HandleError(ctx, err, "Invalid measurement payload", http.StatusBadRequest)
	}

	results, err := c.Service.Pipeline.ProcessBatch(ctx.Request().Context(), ms)
	if err != nil {
		if errors.IsCategory(err, errors.CategoryValidation) {
			return c.HandleError(ctx, err, "Invalid measurement", http.StatusBadRequest)
		}
		return c.HandleError(ctx, err, "Failed to process measurements", http.StatusInternalServerError)
	}

	inserted := 0
	for _, r := range results {
		inserted += len(r.Inserted())
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"results":  results,
		"count":    len(results),
		"inserted": inserted,
	})
}

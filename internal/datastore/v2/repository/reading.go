package repository

import (
	"context"
	"time"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
)

// ReadingRepository stores sensor readings and answers the windowed
// aggregate queries the rule catalog depends on.
type ReadingRepository interface {
	Save(ctx context.Context, reading *entities.Reading) error
	SaveBatch(ctx context.Context, readings []entities.Reading) error

	// Aggregates
	Stats(ctx context.Context, variable string, from, to time.Time) (ReadingStats, error)
	Sum(ctx context.Context, sensorID, variable string, from, to time.Time) (float64, error)
	DaysAbove(ctx context.Context, sensorID, variable string, minValue float64, from, to time.Time) ([]time.Time, error)
	CountBadReads(ctx context.Context, sensorPrefix string, from, to time.Time) (int64, error)

	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ReadingStats summarises the valid values of one variable in a window.
type ReadingStats struct {
	Count int64
	Mean  float64
	SD    float64 // population standard deviation
}

// AllSensors matches every sensor in CountBadReads.
const AllSensors = "*"

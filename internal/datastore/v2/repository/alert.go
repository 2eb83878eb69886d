package repository

import (
	"context"
	"time"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
)

// AlertRepository persists alerts and their lifecycle audit trail.
type AlertRepository interface {
	// Admission
	FindOpenWithin(ctx context.Context, key entities.DedupKey, since time.Time) (*entities.Alert, error)
	AdmitOpen(ctx context.Context, alert *entities.Alert, since time.Time) (inserted bool, err error)

	// Queries
	Get(ctx context.Context, id uint) (*entities.Alert, error)
	ListRecent(ctx context.Context, filter AlertFilter) ([]entities.Alert, error)
	History(ctx context.Context, id uint) ([]entities.AlertStateHistory, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// Lifecycle
	Acknowledge(ctx context.Context, id uint, actor string, at time.Time) (*entities.Alert, error)
	Close(ctx context.Context, id uint, actor string, at time.Time) (*entities.Alert, error)
}

// AlertFilter controls alert listing queries.
type AlertFilter struct {
	Status   string
	SensorID string
	Level    string
	Since    time.Time
	Limit    int
}

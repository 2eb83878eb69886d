package repository

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/errors"
	"gorm.io/gorm"
)

// alertRepository implements AlertRepository.
type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

func findOpen(tx *gorm.DB, key entities.DedupKey, since time.Time) (*entities.Alert, error) {
	var alert entities.Alert
	err := tx.
		Where("catalog_id = ? AND sensor_id = ? AND variable = ? AND level = ?",
			key.CatalogID, key.SensorID, key.Variable, key.Level).
		Where("status = ? AND created_at >= ?", entities.AlertStatusOpen, since.UTC()).
		Order("created_at DESC").
		Take(&alert).Error
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// FindOpenWithin returns the newest open alert with the given key created at
// or after since. Returns ErrAlertNotFound when there is none.
func (r *alertRepository) FindOpenWithin(ctx context.Context, key entities.DedupKey, since time.Time) (*entities.Alert, error) {
	alert, err := findOpen(r.db.WithContext(ctx), key, since)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to look up open alert: %w", err)
	}
	return alert, nil
}

// AdmitOpen inserts alert as open together with its "opened" audit row unless
// an equivalent open alert exists since the given time. Lookup and insert run
// in one transaction. On insert the alert is updated with its stored values.
func (r *alertRepository) AdmitOpen(ctx context.Context, alert *entities.Alert, since time.Time) (bool, error) {
	inserted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := findOpen(tx, alert.DedupKey(), since)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to look up open alert: %w", err)
		}

		alert.ID = 0
		alert.Status = entities.AlertStatusOpen
		alert.CreatedAt = alert.CreatedAt.UTC()
		alert.History = nil
		if err := tx.Create(alert).Error; err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		opened := &entities.AlertStateHistory{
			AlertID:   alert.ID,
			Action:    entities.AlertActionOpened,
			Actor:     "system",
			ToStatus:  entities.AlertStatusOpen,
			CreatedAt: alert.CreatedAt,
		}
		if err := tx.Create(opened).Error; err != nil {
			return fmt.Errorf("failed to record alert history: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// Get returns an alert with its history. Returns ErrAlertNotFound if the
// alert does not exist.
func (r *alertRepository) Get(ctx context.Context, id uint) (*entities.Alert, error) {
	var alert entities.Alert
	err := r.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		First(&alert, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert %d: %w", id, err)
	}
	return &alert, nil
}

// ListRecent returns alerts newest first.
func (r *alertRepository) ListRecent(ctx context.Context, filter AlertFilter) ([]entities.Alert, error) {
	var alerts []entities.Alert
	query := r.db.WithContext(ctx).Order("created_at DESC, id DESC")

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.SensorID != "" {
		query = query.Where("sensor_id = ?", filter.SensorID)
	}
	if filter.Level != "" {
		query = query.Where("level = ?", filter.Level)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	if err := query.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// History returns the audit trail for an alert, oldest first.
func (r *alertRepository) History(ctx context.Context, id uint) ([]entities.AlertStateHistory, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&entities.Alert{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check alert %d: %w", id, err)
	}
	if count == 0 {
		return nil, ErrAlertNotFound
	}

	var rows []entities.AlertStateHistory
	if err := r.db.WithContext(ctx).Where("alert_id = ?", id).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list history for alert %d: %w", id, err)
	}
	return rows, nil
}

// CountByStatus returns the number of alerts per lifecycle status.
func (r *alertRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	if err := r.db.WithContext(ctx).Model(&entities.Alert{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count alerts by status: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

// Acknowledge moves an open alert to acknowledged.
func (r *alertRepository) Acknowledge(ctx context.Context, id uint, actor string, at time.Time) (*entities.Alert, error) {
	return r.transition(ctx, id, actor, at, entities.AlertActionAcknowledged, entities.AlertStatusAcknowledged,
		entities.AlertStatusOpen)
}

// Close moves an open or acknowledged alert to closed. Closed is terminal.
func (r *alertRepository) Close(ctx context.Context, id uint, actor string, at time.Time) (*entities.Alert, error) {
	return r.transition(ctx, id, actor, at, entities.AlertActionClosed, entities.AlertStatusClosed,
		entities.AlertStatusOpen, entities.AlertStatusAcknowledged)
}

// transition updates the status and appends the audit row in one transaction.
// The update is conditional on the status read, so a concurrent transition
// surfaces as ErrInvalidTransition instead of a lost audit row.
func (r *alertRepository) transition(ctx context.Context, id uint, actor string, at time.Time, action, to string, from ...string) (*entities.Alert, error) {
	at = at.UTC()
	var alert entities.Alert

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&alert, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAlertNotFound
			}
			return fmt.Errorf("failed to get alert %d: %w", id, err)
		}
		if !slices.Contains(from, alert.Status) {
			return fmt.Errorf("%w: cannot %s alert %d in status %s", ErrInvalidTransition, action, id, alert.Status)
		}

		updates := map[string]any{"status": to}
		switch to {
		case entities.AlertStatusAcknowledged:
			updates["acknowledged_by"] = actor
			updates["acknowledged_at"] = at
		case entities.AlertStatusClosed:
			updates["closed_at"] = at
		}

		result := tx.Model(&entities.Alert{}).
			Where("id = ? AND status = ?", id, alert.Status).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to update alert %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: alert %d changed concurrently", ErrInvalidTransition, id)
		}

		row := &entities.AlertStateHistory{
			AlertID:    id,
			Action:     action,
			Actor:      actor,
			FromStatus: alert.Status,
			ToStatus:   to,
			CreatedAt:  at,
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to record alert history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

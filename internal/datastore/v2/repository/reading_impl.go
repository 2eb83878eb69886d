package repository

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"gorm.io/gorm"
)

// readingRepository implements ReadingRepository. Aggregates are written
// against SQL that SQLite, MySQL and PostgreSQL share, so no dialect switch is
// needed; per-day bucketing happens in Go.
type readingRepository struct {
	db *gorm.DB
}

// NewReadingRepository creates a new ReadingRepository.
func NewReadingRepository(db *gorm.DB) ReadingRepository {
	return &readingRepository{db: db}
}

// Save stores one reading. MeasuredAt is normalised to UTC.
func (r *readingRepository) Save(ctx context.Context, reading *entities.Reading) error {
	reading.MeasuredAt = reading.MeasuredAt.UTC()
	if err := r.db.WithContext(ctx).Create(reading).Error; err != nil {
		return fmt.Errorf("failed to save reading: %w", err)
	}
	return nil
}

// SaveBatch stores readings in batches of 100.
func (r *readingRepository) SaveBatch(ctx context.Context, readings []entities.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	for i := range readings {
		readings[i].MeasuredAt = readings[i].MeasuredAt.UTC()
	}
	if err := r.db.WithContext(ctx).CreateInBatches(readings, 100).Error; err != nil {
		return fmt.Errorf("failed to save %d readings: %w", len(readings), err)
	}
	return nil
}

// Stats returns count, mean and population standard deviation of the valid
// values of variable measured in [from, to]. Flagged reads are excluded from
// Stats, Sum and DaysAbove even when they carry a value.
func (r *readingRepository) Stats(ctx context.Context, variable string, from, to time.Time) (ReadingStats, error) {
	var row struct {
		Cnt     int64
		Total   *float64
		TotalSq *float64
	}
	err := r.db.WithContext(ctx).Model(&entities.Reading{}).
		Select("COUNT(value) AS cnt, SUM(value) AS total, SUM(value * value) AS total_sq").
		Where("variable = ? AND value IS NOT NULL AND bad_read = ?", variable, false).
		Where("measured_at >= ? AND measured_at <= ?", from.UTC(), to.UTC()).
		Scan(&row).Error
	if err != nil {
		return ReadingStats{}, fmt.Errorf("failed to compute stats for %s: %w", variable, err)
	}
	if row.Cnt == 0 || row.Total == nil {
		return ReadingStats{}, nil
	}

	n := float64(row.Cnt)
	mean := *row.Total / n
	variance := 0.0
	if row.TotalSq != nil {
		variance = *row.TotalSq/n - mean*mean
	}
	// Rounding can push a constant series slightly negative.
	if variance < 0 {
		variance = 0
	}
	return ReadingStats{Count: row.Cnt, Mean: mean, SD: math.Sqrt(variance)}, nil
}

// Sum returns the total of valid values for one sensor and variable measured
// in [from, to).
func (r *readingRepository) Sum(ctx context.Context, sensorID, variable string, from, to time.Time) (float64, error) {
	var total *float64
	err := r.db.WithContext(ctx).Model(&entities.Reading{}).
		Select("SUM(value)").
		Where("sensor_id = ? AND variable = ? AND value IS NOT NULL AND bad_read = ?", sensorID, variable, false).
		Where("measured_at >= ? AND measured_at < ?", from.UTC(), to.UTC()).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum %s for sensor %s: %w", variable, sensorID, err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// DaysAbove returns the measurement times in [from, to) at which the sensor
// reported variable at or above minValue, oldest first. Callers bucket them
// into calendar days in their own timezone.
func (r *readingRepository) DaysAbove(ctx context.Context, sensorID, variable string, minValue float64, from, to time.Time) ([]time.Time, error) {
	var times []time.Time
	err := r.db.WithContext(ctx).Model(&entities.Reading{}).
		Where("sensor_id = ? AND variable = ? AND value >= ? AND bad_read = ?", sensorID, variable, minValue, false).
		Where("measured_at >= ? AND measured_at < ?", from.UTC(), to.UTC()).
		Order("measured_at ASC").
		Pluck("measured_at", &times).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s readings above %v for sensor %s: %w", variable, minValue, sensorID, err)
	}
	return times, nil
}

// CountBadReads counts readings flagged bad or missing a value in [from, to].
// sensorPrefix restricts the count to sensors whose id starts with it; empty
// or AllSensors counts every sensor.
func (r *readingRepository) CountBadReads(ctx context.Context, sensorPrefix string, from, to time.Time) (int64, error) {
	query := r.db.WithContext(ctx).Model(&entities.Reading{}).
		Where("(bad_read = ? OR value IS NULL)", true).
		Where("measured_at >= ? AND measured_at <= ?", from.UTC(), to.UTC())
	if sensorPrefix != "" && sensorPrefix != AllSensors {
		query = query.Where("SUBSTR(sensor_id, 1, ?) = ?", utf8.RuneCountInString(sensorPrefix), sensorPrefix)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count bad reads: %w", err)
	}
	return count, nil
}

// DeleteBefore prunes readings measured before the given time.
func (r *readingRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("measured_at < ?", before.UTC()).Delete(&entities.Reading{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete readings before %v: %w", before, result.Error)
	}
	return result.RowsAffected, nil
}

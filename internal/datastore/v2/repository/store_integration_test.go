//go:build integration

package repository_test

import (
	"context"
	"testing"
	"time"

	v2 "github.com/sensorwatch/envalert/internal/datastore/v2"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/datastore/v2/repository"
	"github.com/sensorwatch/envalert/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var base = time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// openManager connects to dsn, migrates and registers cleanup.
func openManager(t *testing.T, dialect, dsn string) *gorm.DB {
	t.Helper()
	m, err := v2.NewManager(v2.Config{Type: dialect, DSN: dsn, MaxOpenConns: 5, MaxIdleConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Ping(t.Context()))
	return m.DB()
}

func TestStore_MySQL(t *testing.T) {
	c, err := containers.NewMySQLContainer(t.Context(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	runStoreSuite(t, openManager(t, v2.DialectMySQL, c.GetDSN()))
}

func TestStore_Postgres(t *testing.T) {
	c, err := containers.NewPostgresContainer(t.Context(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	runStoreSuite(t, openManager(t, v2.DialectPostgres, c.DSN()))
}

// runStoreSuite exercises the SQL shared by every dialect.
func runStoreSuite(t *testing.T, db *gorm.DB) {
	t.Helper()
	alerts := repository.NewAlertRepository(db)
	readings := repository.NewReadingRepository(db)

	t.Run("admit and suppress", func(t *testing.T) {
		ctx := t.Context()
		a := &entities.Alert{
			CatalogID: 10, Name: "Rainfall over 80 mm", SensorID: "station-1",
			Variable: "lluvia", Level: "critical", Message: "Daily accumulation 85 mm",
			Value: ptr(85.0), Threshold: ptr(80.0), OpenModal: true, CreatedAt: base,
			Meta: map[string]any{"accumulated": 85.0},
		}
		inserted, err := alerts.AdmitOpen(ctx, a, base.Add(-5*time.Minute))
		require.NoError(t, err)
		require.True(t, inserted)

		dup := *a
		dup.ID = 0
		dup.CreatedAt = base.Add(2 * time.Minute)
		inserted, err = alerts.AdmitOpen(ctx, &dup, base.Add(-3*time.Minute))
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := alerts.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.CreatedAt.Equal(base))
		assert.InDelta(t, 85.0, got.Meta["accumulated"], 0)
		require.Len(t, got.History, 1)
	})

	t.Run("lifecycle", func(t *testing.T) {
		ctx := t.Context()
		a := &entities.Alert{
			CatalogID: 8, Name: "Extreme heat", SensorID: "station-2",
			Variable: "temperatura", Level: "critical", CreatedAt: base,
		}
		_, err := alerts.AdmitOpen(ctx, a, base.Add(-5*time.Minute))
		require.NoError(t, err)

		acked, err := alerts.Acknowledge(ctx, a.ID, "ops", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, entities.AlertStatusAcknowledged, acked.Status)

		_, err = alerts.Acknowledge(ctx, a.ID, "ops", base.Add(2*time.Minute))
		assert.ErrorIs(t, err, repository.ErrInvalidTransition)

		closed, err := alerts.Close(ctx, a.ID, "system", base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, entities.AlertStatusClosed, closed.Status)

		history, err := alerts.History(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, history, 3)

		counts, err := alerts.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[entities.AlertStatusClosed])
	})

	t.Run("reading aggregates", func(t *testing.T) {
		ctx := t.Context()
		batch := []entities.Reading{
			{SensorID: "st-01", Variable: "temperatura", MeasuredAt: base.Add(-30 * time.Minute), Value: ptr(20.0)},
			{SensorID: "st-01", Variable: "temperatura", MeasuredAt: base.Add(-20 * time.Minute), Value: ptr(22.0)},
			{SensorID: "st-02", Variable: "temperatura", MeasuredAt: base.Add(-10 * time.Minute), Value: ptr(24.0)},
			{SensorID: "st-01", Variable: "lluvia", MeasuredAt: base.Add(-2 * time.Hour), Value: ptr(30.0)},
			{SensorID: "st-01", Variable: "lluvia", MeasuredAt: base.Add(-time.Hour), Value: ptr(12.5)},
			{SensorID: "st-01", Variable: "temperatura", MeasuredAt: base.Add(-5 * time.Minute), BadRead: true},
			{SensorID: "xx-01", Variable: "temperatura", MeasuredAt: base.Add(-5 * time.Minute), BadRead: true},
		}
		require.NoError(t, readings.SaveBatch(ctx, batch))

		stats, err := readings.Stats(ctx, "temperatura", base.Add(-time.Hour), base)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Count)
		assert.InDelta(t, 22.0, stats.Mean, 1e-9)
		assert.InDelta(t, 1.63299, stats.SD, 1e-4)

		sum, err := readings.Sum(ctx, "st-01", "lluvia", base.Add(-12*time.Hour), base)
		require.NoError(t, err)
		assert.InDelta(t, 42.5, sum, 1e-9)

		bad, err := readings.CountBadReads(ctx, "st", base.Add(-10*time.Minute), base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), bad)

		times, err := readings.DaysAbove(ctx, "st-01", "temperatura", 21, base.Add(-time.Hour), base)
		require.NoError(t, err)
		require.Len(t, times, 1)
		assert.True(t, times[0].Equal(base.Add(-20*time.Minute)))

		n, err := readings.DeleteBefore(ctx, base.Add(-90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

package v2

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupManager creates a SQLite manager with initialized schema in a temp dir.
func setupManager(t *testing.T) *Manager {
	t.Helper()

	mgr, err := NewSQLiteManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	require.NoError(t, mgr.Initialize())
	return mgr
}

func TestManager_InitializeCreatesTables(t *testing.T) {
	mgr := setupManager(t)

	migrator := mgr.DB().Migrator()
	for _, table := range []string{"alerts", "alert_state_history", "readings"} {
		assert.True(t, migrator.HasTable(table), "missing table %s", table)
	}
	assert.True(t, migrator.HasIndex(&entities.Alert{}, "idx_alerts_dedup"))
	assert.Equal(t, DialectSQLite, mgr.Dialect())
	require.NoError(t, mgr.Ping(t.Context()))
}

func TestManager_InitializeIsIdempotent(t *testing.T) {
	mgr := setupManager(t)
	require.NoError(t, mgr.Initialize())
}

func TestManager_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	mgr, err := NewSQLiteManager(dir)
	require.NoError(t, err)
	require.NoError(t, mgr.Initialize())
	require.NoError(t, mgr.DB().Create(&entities.Alert{
		CatalogID: 8, SensorID: "s1", Variable: "temperatura", Level: "critical",
		Status: entities.AlertStatusOpen, CreatedAt: time.Now().UTC(),
	}).Error)
	require.NoError(t, mgr.Close())

	reopened, err := NewManager(ConfigFromSettings(&conf.DatabaseSettings{
		Type: DialectSQLite,
		Path: filepath.Join(dir, sqliteFile),
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	var count int64
	require.NoError(t, reopened.DB().Model(&entities.Alert{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNewManager_UnknownDialect(t *testing.T) {
	_, err := NewManager(Config{Type: "oracle"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

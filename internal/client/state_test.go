package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	store := NewFileStore(path)

	s, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, State{}, s, "missing file is empty state")

	want := State{
		LastNotifiedAt:  time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
		LastFingerprint: "7|4|st-01|warning",
	}
	require.NoError(t, store.Save(t.Context(), want))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "last_notified_at:")
	assert.Contains(t, string(raw), "last_fingerprint: 7|4|st-01|warning")

	got, err := NewFileStore(path).Load(t.Context())
	require.NoError(t, err)
	assert.True(t, want.LastNotifiedAt.Equal(got.LastNotifiedAt))
	assert.Equal(t, want.LastFingerprint, got.LastFingerprint)
	require.NoError(t, store.Close())
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("last_notified_at: [oops"), 0o600))

	_, err := NewFileStore(path).Load(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySystem))
}

func TestOpenStateStore(t *testing.T) {
	store, err := OpenStateStore(conf.ClientSettings{StateFile: filepath.Join(t.TempDir(), "s.yaml")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = OpenStateStore(conf.ClientSettings{})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

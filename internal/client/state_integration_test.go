//go:build integration

package client

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	ctx := t.Context()
	rc, err := containers.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Terminate(ctx) })

	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: rc.Addr()}), "envalert:client:test")
	defer func() { _ = store.Close() }()

	opened, err := OpenStateStore(conf.ClientSettings{Redis: conf.RedisSettings{Addr: rc.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, opened)
	require.NoError(t, opened.Close())

	s, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, State{}, s)

	want := State{LastNotifiedAt: time.Now().UTC().Truncate(time.Microsecond), LastFingerprint: "10|8|st-04|critical"}
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, want.LastNotifiedAt.Equal(got.LastNotifiedAt))
	assert.Equal(t, want.LastFingerprint, got.LastFingerprint)
}

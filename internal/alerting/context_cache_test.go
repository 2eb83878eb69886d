package alerting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingStats(calls *int, fail bool) Capabilities {
	return Capabilities{
		Stats: func(_ context.Context, variable string, _ time.Duration, _ time.Time) (Stats, error) {
			*calls++
			if fail {
				return Stats{}, fmt.Errorf("store unavailable")
			}
			return Stats{Count: 1, Mean: float64(len(variable))}, nil
		},
	}
}

func TestContextCache_MemoisesStats(t *testing.T) {
	c := NewContextCache(time.Minute)
	defer c.Flush()

	calls := 0
	caps := c.Wrap(countingStats(&calls, false))

	s1, err := caps.Stats(t.Context(), VarCO2, time.Hour, base)
	require.NoError(t, err)
	s2, err := caps.Stats(t.Context(), VarCO2, time.Hour, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 1, calls, "same bucket hits the cache")

	_, err = caps.Stats(t.Context(), VarTemperature, time.Hour, base)
	require.NoError(t, err)
	_, err = caps.Stats(t.Context(), VarCO2, time.Hour, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	c.Flush()
	_, err = caps.Stats(t.Context(), VarCO2, time.Hour, base)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestContextCache_DoesNotCacheErrors(t *testing.T) {
	c := NewContextCache(time.Minute)
	calls := 0
	caps := c.Wrap(countingStats(&calls, true))

	for range 2 {
		_, err := caps.Stats(t.Context(), VarCO2, time.Hour, base)
		assert.Error(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestContextCache_DisabledPassesThrough(t *testing.T) {
	calls := 0
	caps := NewContextCache(0).Wrap(countingStats(&calls, false))
	for range 2 {
		_, err := caps.Stats(t.Context(), VarCO2, time.Hour, base)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)

	var nilCache *ContextCache
	assert.Nil(t, nilCache.Wrap(Capabilities{}).Stats)
}

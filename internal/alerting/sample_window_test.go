package alerting

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, w *SampleWindow, sensorID, variable string, value float64, at time.Time) {
	t.Helper()
	m := Measurement{SensorID: sensorID, Variable: variable, Value: value, Timestamp: at}
	require.NoError(t, w.Record(t.Context(), &m))
}

func TestSampleWindow_Stats(t *testing.T) {
	w := NewSampleWindow(2 * time.Hour)
	record(t, w, "a", VarCO2, 10, base.Add(-90*time.Minute)) // outside a 60m window
	record(t, w, "a", VarCO2, 10, base.Add(-30*time.Minute))
	record(t, w, "b", VarCO2, 20, base.Add(-20*time.Minute))
	record(t, w, "c", VarCO2, 30, base)
	record(t, w, "c", VarCO2, math.NaN(), base)
	record(t, w, "c", VarTemperature, 99, base)

	s, err := w.Stats(t.Context(), VarCO2, time.Hour, base)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Count)
	assert.InDelta(t, 20.0, s.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(200.0/3.0), s.SD, 1e-9)

	empty, err := w.Stats(t.Context(), VarPM25, time.Hour, base)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty)
}

func TestSampleWindow_EvictsByRetention(t *testing.T) {
	w := NewSampleWindow(time.Hour)
	record(t, w, "a", VarCO2, 1, base.Add(-2*time.Hour))
	record(t, w, "a", VarCO2, 2, base.Add(-30*time.Minute))
	record(t, w, "a", VarCO2, 3, base)

	assert.Equal(t, 2, w.Len(VarCO2))
}

func TestSampleWindow_CapsSamplesPerVariable(t *testing.T) {
	w := NewSampleWindow(time.Hour)
	for i := range maxSamplesPerVariable + 10 {
		record(t, w, "a", VarCO2, float64(i), base.Add(time.Duration(i)*time.Millisecond))
	}
	assert.Equal(t, maxSamplesPerVariable, w.Len(VarCO2))
}

func TestSampleWindow_RecentErrorCount(t *testing.T) {
	w := NewSampleWindow(time.Hour)
	record(t, w, "north-1", VarTemperature, math.NaN(), base.Add(-5*time.Minute))
	record(t, w, "north-2", VarRainfall, math.NaN(), base.Add(-time.Minute))
	record(t, w, "south-1", VarCO2, math.NaN(), base)
	record(t, w, "south-1", VarCO2, math.NaN(), base.Add(-20*time.Minute)) // outside
	record(t, w, "south-2", VarCO2, 400, base)

	tests := []struct {
		prefix string
		want   int
	}{
		{"*", 3},
		{"", 3},
		{"north", 2},
		{"south-1", 1},
		{"east", 0},
	}
	for _, tt := range tests {
		n, err := w.RecentErrorCount(t.Context(), tt.prefix, 10*time.Minute, base)
		require.NoError(t, err)
		assert.Equal(t, tt.want, n, "prefix %q", tt.prefix)
	}
}

func TestSampleWindow_CapsVariables(t *testing.T) {
	w := NewSampleWindow(time.Hour)
	for i := range maxSampleVariables {
		record(t, w, "a", fmt.Sprintf("var-%d", i), 1, base.Add(-2*time.Hour))
	}
	assert.Equal(t, maxSampleVariables, w.Variables())

	// every tracked variable has aged out, so a new one makes room
	record(t, w, "a", VarCO2, 400, base)
	assert.Equal(t, 1, w.Variables())
	assert.Equal(t, 1, w.Len(VarCO2))

	for i := range maxSampleVariables - 1 {
		record(t, w, "a", fmt.Sprintf("fresh-%d", i), 1, base)
	}
	record(t, w, "a", "one-too-many", 1, base)
	assert.Equal(t, maxSampleVariables, w.Variables())
	assert.Zero(t, w.Len("one-too-many"))
}

package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SingleObject(t *testing.T) {
	t.Parallel()

	ms, err := Decode([]byte(`{"sensor_id":"st-01","variable":"temperatura","value":38.5,"ts":"2025-07-14T12:00:00Z"}`), "")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "st-01", ms[0].SensorID)
	assert.InDelta(t, 38.5, ms[0].Value, 0)
	assert.True(t, ms[0].Timestamp.Equal(time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC)))
}

func TestDecode_ArrayTakesTopicSensor(t *testing.T) {
	t.Parallel()

	payload := `[
		{"variable":"lluvia","value":12},
		{"sensor_id":"other","variable":"co2","value":null}
	]`
	ms, err := Decode([]byte(payload), "st-07")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "st-07", ms[0].SensorID)
	assert.Equal(t, "other", ms[1].SensorID, "explicit sensor id wins")
	assert.True(t, math.IsNaN(ms[1].Value))
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{"", "   ", "not json", `{"value":"warm"}`, `[1,2]`} {
		_, err := Decode([]byte(payload), "st-01")
		require.Error(t, err, payload)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation), payload)
	}
}

func TestSensorFromTopic(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"sensors/st-01/measurements": "st-01",
		"sensors/st-01/status":       "",
		"sensors/measurements":       "",
		"other/st-01/measurements":   "",
		"":                           "",
	}
	for topic, want := range tests {
		assert.Equal(t, want, SensorFromTopic(topic), topic)
	}
}

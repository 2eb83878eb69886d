package entities

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAlertJSONKeys verifies that Alert serializes with the snake_case keys
// stream and poll consumers read. Without explicit json tags Go would emit
// PascalCase and the client fingerprint would never match.
func TestAlertJSONKeys(t *testing.T) {
	t.Parallel()

	value, threshold := 38.0, 37.0
	alert := Alert{
		ID:        7,
		CatalogID: 8,
		Name:      "Heat from 37°",
		SensorID:  "station-1",
		Variable:  "temperatura",
		Level:     "critical",
		Status:    AlertStatusOpen,
		Message:   "Critical temperature 38.0°C (>= 37)",
		Value:     &value,
		Threshold: &threshold,
		OpenModal: true,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		History: []AlertStateHistory{
			{ID: 1, AlertID: 7, Action: AlertActionOpened, Actor: "system", ToStatus: AlertStatusOpen},
		},
	}

	data, err := json.Marshal(alert)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))

	expectedKeys := []string{
		"id", "catalog_id", "name", "sensor_id", "variable", "level", "status",
		"message", "value", "threshold", "open_modal", "created_at",
		"acknowledged_by", "acknowledged_at", "closed_at", "history",
	}
	for _, key := range expectedKeys {
		assert.Contains(t, m, key, "JSON should contain snake_case key %q", key)
	}
	for _, key := range []string{"ID", "CatalogID", "SensorID", "OpenModal", "CreatedAt"} {
		assert.NotContains(t, m, key, "JSON should not contain PascalCase key %q", key)
	}
	assert.Nil(t, m["acknowledged_by"], "unset nullable fields serialize as null")
	assert.NotContains(t, m, "meta", "empty meta is omitted")

	history, ok := m["history"].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
	entry, ok := history[0].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"alert_id", "action", "actor", "from_status", "to_status", "created_at"} {
		assert.Contains(t, entry, key)
	}
}

func TestAlertDedupKey(t *testing.T) {
	t.Parallel()

	a := Alert{CatalogID: 10, SensorID: "s1", Variable: "lluvia", Level: "critical", Message: "x"}
	b := Alert{CatalogID: 10, SensorID: "s1", Variable: "lluvia", Level: "critical", Message: "y"}
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	b.Level = "warning"
	assert.NotEqual(t, a.DedupKey(), b.DedupKey())
}

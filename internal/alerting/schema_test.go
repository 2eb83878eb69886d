package alerting

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe_ReportsActiveRules(t *testing.T) {
	caps := CapabilitiesOf(NewSampleWindow(time.Hour))
	s := Describe(NewEvaluator(newTestCatalog(), caps, nil, testLogger()), "5m0s")

	require.Len(t, s.Rules, 14)
	assert.Equal(t, "5m0s", s.DedupWindow)
	assert.Equal(t, "1h0m0s", s.StatsWindow)
	assert.ElementsMatch(t, []string{CapabilityStats, CapabilityRecentErrorCount}, s.Capabilities)

	byID := make(map[int]RuleSchema)
	for _, r := range s.Rules {
		byID[r.ID] = r
	}
	assert.True(t, byID[RuleAbnormalValue].Active)
	assert.False(t, byID[RuleRainfall].Active, "daily accumulation is missing")
	assert.False(t, byID[RuleHeatWave].Active)
	assert.Equal(t, []string{"*"}, byID[RuleReadError].Variables)
	assert.Equal(t, []string{VarTemperature}, byID[RuleHeatCritical].Variables)
	require.NotNil(t, byID[RuleHeatCritical].Threshold)
	assert.InDelta(t, 37.0, *byID[RuleHeatCritical].Threshold, 0)
}

func TestDescribe_JSON(t *testing.T) {
	s := Describe(NewEvaluator(newTestCatalog(), Capabilities{}, nil, testLogger()), "5m0s")
	b, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, []any{}, decoded["capabilities"])

	rules, ok := decoded["rules"].([]any)
	require.True(t, ok)
	first, ok := rules[0].(map[string]any)
	require.True(t, ok)
	assert.Nil(t, first["threshold"])
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, true, first["always_run"])
}

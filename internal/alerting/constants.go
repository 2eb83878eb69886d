// Package alerting evaluates sensor measurements against the environmental
// rule catalog, persists the resulting alerts and fans them out to
// subscribers.
package alerting

import (
	"fmt"
	"strings"
)

// Level is the severity of a candidate or stored alert.
type Level string

// Severity levels in increasing order.
const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Rank orders levels; unknown levels rank below info.
func (l Level) Rank() int {
	switch l {
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l is as severe as min.
func (l Level) AtLeast(minLevel Level) bool {
	return l.Rank() >= minLevel.Rank()
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l.Rank() == 0 {
		return "", fmt.Errorf("unknown alert level %q", s)
	}
	return l, nil
}

// Canonical variable tags.
const (
	VarTemperature   = "temperatura"
	VarRainfall      = "lluvia"
	VarPM25          = "pm25"
	VarPM10          = "pm10"
	VarCO2           = "co2"
	VarWindGust      = "viento"           // m/s
	VarSustainedWind = "viento_sostenido" // km/h
	VarHail          = "granizo"
)

// variableAliases maps accepted spellings to canonical tags.
var variableAliases = map[string]string{
	"temperature":    VarTemperature,
	"temp":           VarTemperature,
	"rainfall":       VarRainfall,
	"rain":           VarRainfall,
	"pm2.5":          VarPM25,
	"pm2_5":          VarPM25,
	"wind_gust":      VarWindGust,
	"gust":           VarWindGust,
	"sustained_wind": VarSustainedWind,
	"hail":           VarHail,
}

// Measurement meta flags.
const (
	MetaBadRead = "bad_read"
	MetaHail    = "hail"
)

// Catalog ids.
const (
	RuleReadError      = 1
	RuleAbnormalValue  = 2
	RuleErrorBurst     = 3
	RuleColdBand       = 4
	RuleHeatBand       = 5
	RulePMPreEmergency = 6
	RuleCO2AboveMean   = 7
	RuleHeatCritical   = 8
	RuleColdCritical   = 9
	RuleRainfall       = 10
	RuleGaleHail       = 11
	RuleHeatWave       = 12
	RulePMEmergency    = 13
	RuleHurricane      = 14
)

package alerting

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/sensorwatch/envalert/internal/conf"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CheckFunc is a rule predicate. It returns nil when the rule does not fire.
// Errors are reserved for failed context lookups.
type CheckFunc func(ctx context.Context, m *Measurement, caps Capabilities) (*Candidate, error)

// Rule is one catalog entry.
type Rule struct {
	ID        int
	Name      string
	Level     Level
	Variables []string // nil applies to every variable
	AlwaysRun bool     // also evaluated for invalid readings
	OpenModal bool
	Threshold *float64
	Requires  []string // capability names
	Check     CheckFunc
}

// AppliesTo reports whether the rule is evaluated for variable.
func (r *Rule) AppliesTo(variable string) bool {
	return r.Variables == nil || slices.Contains(r.Variables, variable)
}

// LookupError wraps a failed context lookup.
type LookupError struct {
	Capability string
	Err        error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s lookup failed: %v", e.Capability, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Windows are the lookback periods used by the windowed rules.
type Windows struct {
	Stats  time.Duration
	Errors time.Duration
}

// DefaultWindows returns the stock 60 minute stats and 10 minute error windows.
func DefaultWindows() Windows {
	return Windows{Stats: 60 * time.Minute, Errors: 10 * time.Minute}
}

// Catalog is the ordered, immutable rule set.
type Catalog struct {
	rules      []Rule
	byVariable map[string][]Rule
	general    []Rule
	thresholds conf.Thresholds
	windows    Windows
}

var upper = cases.Upper(language.Und)

// NewCatalog builds the fourteen environmental rules from th.
func NewCatalog(th conf.Thresholds, w Windows) *Catalog {
	if w.Stats <= 0 {
		w.Stats = DefaultWindows().Stats
	}
	if w.Errors <= 0 {
		w.Errors = DefaultWindows().Errors
	}
	pm := []string{VarPM25, VarPM10}
	temp := []string{VarTemperature}

	rules := []Rule{
		{
			ID: RuleReadError, Name: "Sensor read error", Level: LevelInfo, AlwaysRun: true,
			Check: func(_ context.Context, m *Measurement, _ Capabilities) (*Candidate, error) {
				if !m.Invalid() {
					return nil, nil
				}
				return &Candidate{
					Message: fmt.Sprintf("Invalid reading from %s/%s", m.SensorID, m.Variable),
					Meta:    map[string]any{"reason": MetaBadRead},
				}, nil
			},
		},
		{
			ID: RuleAbnormalValue, Name: "Abnormal value", Level: LevelWarning,
			Requires: []string{CapabilityStats},
			Check: func(ctx context.Context, m *Measurement, caps Capabilities) (*Candidate, error) {
				if caps.Stats == nil {
					return nil, nil
				}
				s, err := caps.Stats(ctx, m.Variable, w.Stats, m.Timestamp)
				if err != nil {
					return nil, &LookupError{CapabilityStats, err}
				}
				if s.Count == 0 || s.SD <= 0 {
					return nil, nil
				}
				z := (m.Value - s.Mean) / s.SD
				if math.Abs(z) < th.ZScore {
					return nil, nil
				}
				return &Candidate{
					Message: fmt.Sprintf("Abnormal %s value z≈%.2f vs mean %.1f", m.Variable, z, s.Mean),
					Meta:    map[string]any{"z": z, "mean": s.Mean, "sd": s.SD},
				}, nil
			},
		},
		{
			ID: RuleErrorBurst, Name: "Read errors across sensors", Level: LevelWarning, AlwaysRun: true,
			Threshold: threshold(float64(th.ErrorBurstCount)),
			Requires:  []string{CapabilityRecentErrorCount},
			Check: func(ctx context.Context, m *Measurement, caps Capabilities) (*Candidate, error) {
				if caps.RecentErrorCount == nil {
					return nil, nil
				}
				n, err := caps.RecentErrorCount(ctx, "*", w.Errors, m.Timestamp)
				if err != nil {
					return nil, &LookupError{CapabilityRecentErrorCount, err}
				}
				if n < th.ErrorBurstCount {
					return nil, nil
				}
				return &Candidate{
					Message: fmt.Sprintf("%d read errors detected in %s across sensors", n, w.Errors),
					Meta:    map[string]any{"errors": n},
				}, nil
			},
		},
		{
			ID: RuleColdBand, Name: "Cold between 0° and -4°", Level: LevelWarning, Variables: temp,
			Threshold: threshold(th.TempColdBandHigh),
			Check: valueRule(func(v float64) bool { return v <= th.TempColdBandHigh && v >= th.TempColdBandLow },
				func(m *Measurement) string {
					return fmt.Sprintf("Temperature between %g° and %g°C (%.1f°C)", th.TempColdBandHigh, th.TempColdBandLow, m.Value)
				}),
		},
		{
			ID: RuleHeatBand, Name: "Heat between 33° and 36°", Level: LevelWarning, Variables: temp,
			Threshold: threshold(th.TempHeatBandLow),
			Check: valueRule(func(v float64) bool { return v >= th.TempHeatBandLow && v < th.TempHeatBandHigh },
				func(m *Measurement) string {
					return fmt.Sprintf("Temperature %.1f°C (%g-%g)", m.Value, th.TempHeatBandLow, th.TempHeatBandHigh)
				}),
		},
		{
			ID: RulePMPreEmergency, Name: "Particulate pre-emergency", Level: LevelWarning, Variables: pm,
			OpenModal: true, Threshold: threshold(th.PMPreEmergency),
			Check: valueRule(func(v float64) bool { return v >= th.PMPreEmergency },
				func(m *Measurement) string {
					return fmt.Sprintf("%s at pre-emergency level (%g)", upper.String(m.Variable), m.Value)
				}),
		},
		{
			ID: RuleCO2AboveMean, Name: "CO2 above average", Level: LevelWarning, Variables: []string{VarCO2},
			Threshold: threshold(th.CO2DeltaPPM),
			Requires:  []string{CapabilityStats},
			Check: func(ctx context.Context, m *Measurement, caps Capabilities) (*Candidate, error) {
				if caps.Stats == nil {
					return nil, nil
				}
				s, err := caps.Stats(ctx, VarCO2, w.Stats, m.Timestamp)
				if err != nil {
					return nil, &LookupError{CapabilityStats, err}
				}
				if s.Count == 0 {
					return nil, nil
				}
				delta := m.Value - s.Mean
				if delta < th.CO2DeltaPPM {
					return nil, nil
				}
				return &Candidate{
					Message: fmt.Sprintf("CO2 +%.0f ppm above mean (%.0f)", delta, s.Mean),
					Meta:    map[string]any{"delta": delta, "mean": s.Mean},
				}, nil
			},
		},
		{
			ID: RuleHeatCritical, Name: "Heat from 37°", Level: LevelCritical, Variables: temp,
			OpenModal: true, Threshold: threshold(th.TempCriticalHigh),
			Check: valueRule(func(v float64) bool { return v >= th.TempCriticalHigh },
				func(m *Measurement) string {
					return fmt.Sprintf("Critical temperature %.1f°C (>= %g)", m.Value, th.TempCriticalHigh)
				}),
		},
		{
			ID: RuleColdCritical, Name: "Cold from -5°", Level: LevelCritical, Variables: temp,
			OpenModal: true, Threshold: threshold(th.TempCriticalLow),
			Check: valueRule(func(v float64) bool { return v <= th.TempCriticalLow },
				func(m *Measurement) string {
					return fmt.Sprintf("Critical temperature %.1f°C (<= %g)", m.Value, th.TempCriticalLow)
				}),
		},
		{
			ID: RuleRainfall, Name: "Rainfall over 80 mm", Level: LevelCritical, Variables: []string{VarRainfall},
			OpenModal: true, Threshold: threshold(th.RainDailyMM),
			Requires: []string{CapabilityDailyAccumulation},
			Check: func(ctx context.Context, m *Measurement, caps Capabilities) (*Candidate, error) {
				if caps.DailyAccumulation == nil {
					return nil, nil
				}
				acc, err := caps.DailyAccumulation(ctx, m.SensorID, VarRainfall, m.Timestamp)
				if err != nil {
					return nil, &LookupError{CapabilityDailyAccumulation, err}
				}
				if acc < th.RainDailyMM {
					return nil, nil
				}
				return &Candidate{
					Message: fmt.Sprintf("Daily accumulation %g mm (>= %g)", acc, th.RainDailyMM),
					Meta:    map[string]any{"accumulated": acc},
				}, nil
			},
		},
		{
			ID: RuleGaleHail, Name: "Gale and/or hail", Level: LevelCritical, AlwaysRun: true,
			OpenModal: true, Threshold: threshold(th.WindGustMS),
			Check: func(_ context.Context, m *Measurement, _ Capabilities) (*Candidate, error) {
				if m.Hail() {
					return &Candidate{Message: "Hail detected", Meta: map[string]any{"hail": true}}, nil
				}
				if m.Variable == VarWindGust && !m.Invalid() && m.Value >= th.WindGustMS {
					return &Candidate{Message: fmt.Sprintf("Strong gusts %g m/s (>= %g m/s)", m.Value, th.WindGustMS)}, nil
				}
				return nil, nil
			},
		},
		{
			ID: RuleHeatWave, Name: "Heat wave", Level: LevelCritical, Variables: temp,
			OpenModal: true, Threshold: threshold(float64(th.HeatWaveDays)),
			Requires: []string{CapabilityConsecutiveDaysAbove},
			Check: func(ctx context.Context, m *Measurement, caps Capabilities) (*Candidate, error) {
				if caps.ConsecutiveDaysAbove == nil {
					return nil, nil
				}
				days, err := caps.ConsecutiveDaysAbove(ctx, m.SensorID, VarTemperature, th.HeatWaveMinTemp, m.Timestamp)
				if err != nil {
					return nil, &LookupError{CapabilityConsecutiveDaysAbove, err}
				}
				if days < th.HeatWaveDays {
					return nil, nil
				}
				return &Candidate{
					Message: fmt.Sprintf("%d consecutive days with T >= %g°C (>= %d)", days, th.HeatWaveMinTemp, th.HeatWaveDays),
					Meta:    map[string]any{"days": days},
				}, nil
			},
		},
		{
			ID: RulePMEmergency, Name: "Particulate emergency", Level: LevelCritical, Variables: pm,
			OpenModal: true, Threshold: threshold(th.PMEmergency),
			Check: valueRule(func(v float64) bool { return v >= th.PMEmergency },
				func(m *Measurement) string {
					return fmt.Sprintf("%s at EMERGENCY level (%g)", upper.String(m.Variable), m.Value)
				}),
		},
		{
			ID: RuleHurricane, Name: "Hurricane warning", Level: LevelCritical, Variables: []string{VarSustainedWind},
			OpenModal: true, Threshold: threshold(th.HurricaneKMH),
			Check: valueRule(func(v float64) bool { return v >= th.HurricaneKMH },
				func(m *Measurement) string {
					return fmt.Sprintf("Sustained wind %g km/h (>= %g)", m.Value, th.HurricaneKMH)
				}),
		},
	}

	slices.SortFunc(rules, func(a, b Rule) int { return a.ID - b.ID })
	c := &Catalog{
		rules:      rules,
		byVariable: make(map[string][]Rule),
		thresholds: th,
		windows:    w,
	}
	for _, r := range rules {
		if r.Variables == nil {
			c.general = append(c.general, r)
			continue
		}
		for _, v := range r.Variables {
			c.byVariable[v] = append(c.byVariable[v], r)
		}
	}
	return c
}

// valueRule builds a predicate over valid readings that needs no context.
func valueRule(fires func(float64) bool, message func(*Measurement) string) CheckFunc {
	return func(_ context.Context, m *Measurement, _ Capabilities) (*Candidate, error) {
		if m.Invalid() || !fires(m.Value) {
			return nil, nil
		}
		return &Candidate{Message: message(m)}, nil
	}
}

// Rules returns every rule in ascending id order.
func (c *Catalog) Rules() []Rule {
	return slices.Clone(c.rules)
}

// Rule returns the rule with the given id.
func (c *Catalog) Rule(id int) (Rule, bool) {
	i := slices.IndexFunc(c.rules, func(r Rule) bool { return r.ID == id })
	if i < 0 {
		return Rule{}, false
	}
	return c.rules[i], true
}

// RulesFor returns the rules applicable to variable in ascending id order.
func (c *Catalog) RulesFor(variable string) []Rule {
	specific := c.byVariable[variable]
	out := make([]Rule, 0, len(c.general)+len(specific))
	out = append(out, c.general...)
	out = append(out, specific...)
	slices.SortFunc(out, func(a, b Rule) int { return a.ID - b.ID })
	return out
}

// Thresholds returns the limits the catalog was built with.
func (c *Catalog) Thresholds() conf.Thresholds {
	return c.thresholds
}

// Windows returns the lookback windows the catalog was built with.
func (c *Catalog) Windows() Windows {
	return c.windows
}

package alerting

import (
	"context"
	"time"
)

// Stats summarises recent values of one variable.
type Stats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	SD    float64 `json:"sd"`
}

// Lookup function types. Each one is an optional capability of the context
// a measurement is evaluated in.
type (
	StatsFunc                func(ctx context.Context, variable string, window time.Duration, asOf time.Time) (Stats, error)
	DailyAccumulationFunc    func(ctx context.Context, sensorID, variable string, day time.Time) (float64, error)
	ConsecutiveDaysAboveFunc func(ctx context.Context, sensorID, variable string, minValue float64, asOf time.Time) (int, error)
	RecentErrorCountFunc     func(ctx context.Context, sensorPrefix string, window time.Duration, asOf time.Time) (int, error)
)

// Capabilities holds the lookups available to the rule catalog. A nil field
// means the capability is absent and rules depending on it do not fire.
type Capabilities struct {
	Stats                StatsFunc
	DailyAccumulation    DailyAccumulationFunc
	ConsecutiveDaysAbove ConsecutiveDaysAboveFunc
	RecentErrorCount     RecentErrorCountFunc
}

// Provider interfaces discovered by CapabilitiesOf.
type (
	StatsProvider interface {
		Stats(ctx context.Context, variable string, window time.Duration, asOf time.Time) (Stats, error)
	}
	DailyAccumulationProvider interface {
		DailyAccumulation(ctx context.Context, sensorID, variable string, day time.Time) (float64, error)
	}
	ConsecutiveDaysAboveProvider interface {
		ConsecutiveDaysAbove(ctx context.Context, sensorID, variable string, minValue float64, asOf time.Time) (int, error)
	}
	RecentErrorCountProvider interface {
		RecentErrorCount(ctx context.Context, sensorPrefix string, window time.Duration, asOf time.Time) (int, error)
	}
)

// CapabilitiesOf collects whichever provider interfaces p implements.
func CapabilitiesOf(p any) Capabilities {
	var c Capabilities
	if p == nil {
		return c
	}
	if s, ok := p.(StatsProvider); ok {
		c.Stats = s.Stats
	}
	if d, ok := p.(DailyAccumulationProvider); ok {
		c.DailyAccumulation = d.DailyAccumulation
	}
	if d, ok := p.(ConsecutiveDaysAboveProvider); ok {
		c.ConsecutiveDaysAbove = d.ConsecutiveDaysAbove
	}
	if r, ok := p.(RecentErrorCountProvider); ok {
		c.RecentErrorCount = r.RecentErrorCount
	}
	return c
}

// WithFallback fills the absent capabilities of c from fallback. Where both
// provide a lookup, fallback answers when c's lookup fails.
func (c Capabilities) WithFallback(fallback Capabilities) Capabilities {
	out := c
	switch {
	case c.Stats == nil:
		out.Stats = fallback.Stats
	case fallback.Stats != nil:
		out.Stats = func(ctx context.Context, variable string, window time.Duration, asOf time.Time) (Stats, error) {
			st, err := c.Stats(ctx, variable, window, asOf)
			if err != nil && ctx.Err() == nil {
				return fallback.Stats(ctx, variable, window, asOf)
			}
			return st, err
		}
	}
	switch {
	case c.DailyAccumulation == nil:
		out.DailyAccumulation = fallback.DailyAccumulation
	case fallback.DailyAccumulation != nil:
		out.DailyAccumulation = func(ctx context.Context, sensorID, variable string, day time.Time) (float64, error) {
			v, err := c.DailyAccumulation(ctx, sensorID, variable, day)
			if err != nil && ctx.Err() == nil {
				return fallback.DailyAccumulation(ctx, sensorID, variable, day)
			}
			return v, err
		}
	}
	switch {
	case c.ConsecutiveDaysAbove == nil:
		out.ConsecutiveDaysAbove = fallback.ConsecutiveDaysAbove
	case fallback.ConsecutiveDaysAbove != nil:
		out.ConsecutiveDaysAbove = func(ctx context.Context, sensorID, variable string, minValue float64, asOf time.Time) (int, error) {
			n, err := c.ConsecutiveDaysAbove(ctx, sensorID, variable, minValue, asOf)
			if err != nil && ctx.Err() == nil {
				return fallback.ConsecutiveDaysAbove(ctx, sensorID, variable, minValue, asOf)
			}
			return n, err
		}
	}
	switch {
	case c.RecentErrorCount == nil:
		out.RecentErrorCount = fallback.RecentErrorCount
	case fallback.RecentErrorCount != nil:
		out.RecentErrorCount = func(ctx context.Context, sensorPrefix string, window time.Duration, asOf time.Time) (int, error) {
			n, err := c.RecentErrorCount(ctx, sensorPrefix, window, asOf)
			if err != nil && ctx.Err() == nil {
				return fallback.RecentErrorCount(ctx, sensorPrefix, window, asOf)
			}
			return n, err
		}
	}
	return out
}

// Names lists the capabilities present, for logging.
func (c Capabilities) Names() []string {
	var names []string
	if c.Stats != nil {
		names = append(names, CapabilityStats)
	}
	if c.DailyAccumulation != nil {
		names = append(names, CapabilityDailyAccumulation)
	}
	if c.ConsecutiveDaysAbove != nil {
		names = append(names, CapabilityConsecutiveDaysAbove)
	}
	if c.RecentErrorCount != nil {
		names = append(names, CapabilityRecentErrorCount)
	}
	return names
}

// Capability names used in logs, metrics and the catalog description.
const (
	CapabilityStats                = "stats"
	CapabilityDailyAccumulation    = "daily_accumulation"
	CapabilityConsecutiveDaysAbove = "consecutive_days_above"
	CapabilityRecentErrorCount     = "recent_error_count"
)

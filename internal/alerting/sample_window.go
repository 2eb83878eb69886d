package alerting

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	// maxSamplesPerVariable caps each per-variable buffer.
	maxSamplesPerVariable = 5000
	// maxSampleVariables caps the number of distinct variables tracked.
	maxSampleVariables = 64
	// defaultSampleRetention is used when no retention is configured.
	defaultSampleRetention = 2 * time.Hour
)

// Recorder stores measurements so later lookups can see them.
type Recorder interface {
	Record(ctx context.Context, m *Measurement) error
}

type sample struct {
	sensorID  string
	value     float64
	invalid   bool
	timestamp time.Time
}

// SampleWindow keeps recent measurements in memory and answers the Stats and
// RecentErrorCount lookups from them. The service consults it when the
// reading store cannot answer. Variables beyond the first maxSampleVariables
// are not tracked.
type SampleWindow struct {
	buffers   map[string][]sample // by variable
	retention time.Duration
	mu        sync.RWMutex
}

// NewSampleWindow creates a SampleWindow keeping samples for retention.
func NewSampleWindow(retention time.Duration) *SampleWindow {
	if retention <= 0 {
		retention = defaultSampleRetention
	}
	return &SampleWindow{
		buffers:   make(map[string][]sample),
		retention: retention,
	}
}

// Record adds a measurement and evicts stale samples of its variable.
func (w *SampleWindow) Record(_ context.Context, m *Measurement) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	samples, ok := w.buffers[m.Variable]
	if !ok && len(w.buffers) >= maxSampleVariables {
		w.evictEmpty(m.Timestamp)
		if len(w.buffers) >= maxSampleVariables {
			return nil
		}
	}
	samples = append(samples, sample{
		sensorID:  m.SensorID,
		value:     m.Value,
		invalid:   m.Invalid(),
		timestamp: m.Timestamp,
	})

	cutoff := m.Timestamp.Add(-w.retention)
	start := 0
	for start < len(samples) && samples[start].timestamp.Before(cutoff) {
		start++
	}
	samples = samples[start:]

	if len(samples) > maxSamplesPerVariable {
		samples = samples[len(samples)-maxSamplesPerVariable:]
	}

	w.buffers[m.Variable] = samples
	return nil
}

// evictEmpty drops variables whose samples have all aged out as of now.
func (w *SampleWindow) evictEmpty(now time.Time) {
	cutoff := now.Add(-w.retention)
	for variable, samples := range w.buffers {
		if len(samples) == 0 || samples[len(samples)-1].timestamp.Before(cutoff) {
			delete(w.buffers, variable)
		}
	}
}

// Variables returns the number of variables currently tracked.
func (w *SampleWindow) Variables() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buffers)
}

// Stats returns the population mean and standard deviation of valid samples
// of variable in [asOf-window, asOf].
func (w *SampleWindow) Stats(_ context.Context, variable string, window time.Duration, asOf time.Time) (Stats, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	from := asOf.Add(-window)
	var n, sum, sumSq float64
	for _, s := range w.buffers[variable] {
		if s.invalid || s.timestamp.Before(from) || s.timestamp.After(asOf) {
			continue
		}
		n++
		sum += s.value
		sumSq += s.value * s.value
	}
	if n == 0 {
		return Stats{}, nil
	}

	mean := sum / n
	variance := max(sumSq/n-mean*mean, 0)
	return Stats{Count: int64(n), Mean: mean, SD: math.Sqrt(variance)}, nil
}

// RecentErrorCount counts invalid samples in [asOf-window, asOf] across all
// variables. sensorPrefix limits the count to matching sensor ids; "" and
// "*" match every sensor.
func (w *SampleWindow) RecentErrorCount(_ context.Context, sensorPrefix string, window time.Duration, asOf time.Time) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if sensorPrefix == "*" {
		sensorPrefix = ""
	}
	from := asOf.Add(-window)
	count := 0
	for _, samples := range w.buffers {
		for _, s := range samples {
			if !s.invalid || s.timestamp.Before(from) || s.timestamp.After(asOf) {
				continue
			}
			if strings.HasPrefix(s.sensorID, sensorPrefix) {
				count++
			}
		}
	}
	return count, nil
}

// Len returns the number of retained samples for variable.
func (w *SampleWindow) Len(variable string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buffers[variable])
}

package alerting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sensorwatch/envalert/internal/errors"
)

// Measurement is one immutable sensor reading. A NaN Value marks an invalid
// read.
type Measurement struct {
	SensorID  string
	Variable  string
	Value     float64
	Timestamp time.Time
	Meta      map[string]any
}

// measurementJSON is the wire form. Value is raw so null, a missing field and
// the string "NaN" all decode to an invalid read.
type measurementJSON struct {
	SensorID  string          `json:"sensor_id"`
	Variable  string          `json:"variable"`
	Value     json.RawMessage `json:"value"`
	Timestamp *time.Time      `json:"ts,omitempty"`
	TimeAlt   *time.Time      `json:"timestamp,omitempty"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// UnmarshalJSON decodes a measurement, accepting "ts" or "timestamp".
func (m *Measurement) UnmarshalJSON(b []byte) error {
	var w measurementJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	value, err := decodeValue(w.Value)
	if err != nil {
		return err
	}

	*m = Measurement{SensorID: w.SensorID, Variable: w.Variable, Value: value, Meta: w.Meta}
	switch {
	case w.Timestamp != nil:
		m.Timestamp = *w.Timestamp
	case w.TimeAlt != nil:
		m.Timestamp = *w.TimeAlt
	}
	return nil
}

func decodeValue(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return math.NaN(), nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid measurement value %q", s)
		}
		return v, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("invalid measurement value %s", raw)
	}
	return v, nil
}

// MarshalJSON encodes invalid values as null.
func (m Measurement) MarshalJSON() ([]byte, error) {
	var value any
	if !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0) {
		value = m.Value
	}
	return json.Marshal(struct {
		SensorID  string         `json:"sensor_id"`
		Variable  string         `json:"variable"`
		Value     any            `json:"value"`
		Timestamp time.Time      `json:"ts"`
		Meta      map[string]any `json:"meta,omitempty"`
	}{m.SensorID, m.Variable, value, m.Timestamp, m.Meta})
}

// Normalize returns a copy with a canonical variable tag and a UTC
// timestamp; a zero timestamp becomes now.
func (m Measurement) Normalize(now time.Time) Measurement {
	m.SensorID = strings.TrimSpace(m.SensorID)
	m.Variable = CanonicalVariable(m.Variable)
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.Timestamp = m.Timestamp.UTC()
	return m
}

// CanonicalVariable lower-cases a variable tag and resolves aliases.
func CanonicalVariable(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if canonical, ok := variableAliases[v]; ok {
		return canonical
	}
	return v
}

// Validate rejects measurements without identity fields. An invalid value is
// not a validation error; it is evaluated as a bad read.
func (m *Measurement) Validate() error {
	var problems []string
	if strings.TrimSpace(m.SensorID) == "" {
		problems = append(problems, "sensor_id is required")
	}
	if strings.TrimSpace(m.Variable) == "" {
		problems = append(problems, "variable is required")
	}
	if len(m.SensorID) > 100 {
		problems = append(problems, "sensor_id exceeds 100 characters")
	}
	if len(m.Variable) > 50 {
		problems = append(problems, "variable exceeds 50 characters")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid measurement: %s", strings.Join(problems, "; ")).
		Component("alerting").
		Category(errors.CategoryValidation).
		Context("sensor_id", m.SensorID).
		Context("variable", m.Variable).
		Build()
}

// Invalid reports whether the reading is unusable: NaN or infinite value, or
// flagged bad by the sensor.
func (m *Measurement) Invalid() bool {
	return math.IsNaN(m.Value) || math.IsInf(m.Value, 0) || m.Flag(MetaBadRead)
}

// Flag reads a boolean meta flag. Accepts true, "true" and non-zero numbers.
func (m *Measurement) Flag(key string) bool {
	v, ok := m.Meta[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

// Hail reports whether the reading signals hail, either through the meta
// flag or as a positive granizo reading.
func (m *Measurement) Hail() bool {
	if m.Flag(MetaHail) {
		return true
	}
	return m.Variable == VarHail && !m.Invalid() && m.Value > 0
}

// ValuePtr returns the value, or nil when it is NaN or infinite.
func (m *Measurement) ValuePtr() *float64 {
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return nil
	}
	v := m.Value
	return &v
}

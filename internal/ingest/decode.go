// Package ingest feeds measurements from message brokers into the alert
// pipeline. Payloads are the same JSON accepted by POST /api/v2/measurements:
// one measurement object or an array of them.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/errors"
)

// Processor consumes decoded measurements. *alerting.Pipeline implements it.
type Processor interface {
	ProcessBatch(ctx context.Context, ms []alerting.Measurement) ([]*alerting.Result, error)
}

// Decode parses a payload. Measurements without a sensor id take
// defaultSensor, typically derived from the message topic.
func Decode(payload []byte, defaultSensor string) ([]alerting.Measurement, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errors.Newf("empty measurement payload").
			Component("ingest").
			Category(errors.CategoryValidation).
			Build()
	}

	var ms []alerting.Measurement
	var err error
	if payload[0] == '[' {
		err = json.Unmarshal(payload, &ms)
	} else {
		var m alerting.Measurement
		err = json.Unmarshal(payload, &m)
		ms = []alerting.Measurement{m}
	}
	if err != nil {
		return nil, errors.New(err).
			Component("ingest").
			Category(errors.CategoryValidation).
			Context("payload_bytes", len(payload)).
			Build()
	}

	for i := range ms {
		if ms[i].SensorID == "" {
			ms[i].SensorID = defaultSensor
		}
	}
	return ms, nil
}

// SensorFromTopic extracts the sensor id from topics shaped like
// "sensors/<id>/measurements". Other shapes yield "".
func SensorFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[2] != "measurements" {
		return ""
	}
	return parts[1]
}

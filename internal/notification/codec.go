// Package notification provides the change-notification transports that carry
// newly inserted alerts from the writer to every broker: an in-process bus,
// PostgreSQL LISTEN/NOTIFY and Redis pub/sub.
package notification

import (
	"encoding/json"
	"fmt"

	"github.com/sensorwatch/envalert/internal/alerting"
)

// maxPayloadBytes keeps payloads under PostgreSQL's 8000 byte NOTIFY limit.
const maxPayloadBytes = 7900

// EncodeEvent serializes an event for the wire. Oversized payloads drop the
// alert's meta first and then shorten its message.
func EncodeEvent(e *alerting.AlertEvent) ([]byte, error) {
	if e == nil || e.Alert == nil {
		return nil, fmt.Errorf("cannot encode empty alert event")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode alert event: %w", err)
	}
	if len(b) <= maxPayloadBytes {
		return b, nil
	}

	a := *e.Alert
	a.Meta = nil
	a.History = nil
	trimmed := *e
	trimmed.Alert = &a
	if b, err = json.Marshal(&trimmed); err != nil {
		return nil, fmt.Errorf("failed to encode alert event: %w", err)
	}
	// Escaped characters take more room on the wire than in the message, so
	// the size is measured after each encode.
	msg := a.Message
	for over := len(b) - maxPayloadBytes; over > 0 && msg != ""; over = len(b) - maxPayloadBytes {
		// scale the cut by how much the message grew when escaped
		cut := over
		if enc, err := json.Marshal(msg); err == nil && len(enc) > 2 {
			cut = max(over*len(msg)/(len(enc)-2), 1)
		}
		msg = truncateUTF8(msg, max(len(msg)-cut, 0))
		a.Message = msg + "..."
		if b, err = json.Marshal(&trimmed); err != nil {
			return nil, fmt.Errorf("failed to encode alert event: %w", err)
		}
	}
	if len(b) > maxPayloadBytes {
		return nil, fmt.Errorf("alert event exceeds %d bytes after truncation", maxPayloadBytes)
	}
	return b, nil
}

// DecodeEvent parses a wire payload.
func DecodeEvent(payload []byte) (*alerting.AlertEvent, error) {
	var e alerting.AlertEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("failed to decode alert event: %w", err)
	}
	if e.Alert == nil || e.Alert.ID == 0 {
		return nil, fmt.Errorf("alert event without alert")
	}
	return &e, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}

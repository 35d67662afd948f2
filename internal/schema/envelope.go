package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried in the envelope Type field.
const (
	EventHealthAlert         = "health_alert"
	EventRemediationNeeded   = "remediation_needed"
	EventRemediationComplete = "remediation_complete"
	EventFalseAlarm          = "false_alarm"
	EventVulnerabilityAlert  = "vulnerability_alert"
)

// Envelope is the wire frame for every bus message. Data holds the typed
// payload verbatim so consumers decode only what they understand.
type Envelope struct {
	Timestamp time.Time       `json:"timestamp"`
	Agent     string          `json:"agent"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps payload for publication by the named agent.
func NewEnvelope(agent, eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		Type:      eventType,
		Data:      raw,
	}, nil
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a wire frame. Unknown fields inside Data are
// preserved untouched.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}

// Payload decodes the envelope data into dest.
func (e Envelope) Payload(dest any) error {
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload an envelope carries
type MessageType string

const (
	MsgText MessageType = "text"
	MsgPing MessageType = "ping"
)

// AckStatusReceived is the status a listener reports after accepting an envelope
const AckStatusReceived = "received"

// ErrMissingField is returned when an envelope omits a required field
var ErrMissingField = errors.New("missing required field")

// Envelope is a single point-to-point message. Exactly one envelope travels
// over each peer connection, answered by exactly one Ack.
type Envelope struct {
	ID          string          `json:"id,omitempty"` // sender-assigned, correlates acks and history
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEnvelope creates an envelope with the given payload
func NewEnvelope(source, destination string, msgType MessageType, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:          uuid.NewString(),
		Source:      source,
		Destination: destination,
		Type:        msgType,
		Payload:     data,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// ParsePayload unmarshals the envelope payload
func (e *Envelope) ParsePayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// PayloadText renders the payload for display: JSON strings are unquoted,
// anything else comes back as raw JSON.
func (e *Envelope) PayloadText() string {
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	return string(e.Payload)
}

// Validate checks the fields a receiver requires before accepting an envelope
func (e *Envelope) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("%w: source", ErrMissingField)
	}
	if e.Destination == "" {
		return fmt.Errorf("%w: destination", ErrMissingField)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	return nil
}

// Ack is the response written back for each accepted envelope
type Ack struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAck creates a "received" acknowledgment stamped with the current time
func NewAck() *Ack {
	return &Ack{
		Status:    AckStatusReceived,
		Timestamp: time.Now().UTC(),
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidEnvelope is returned when an incoming message cannot be decoded
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the wire shape of every message. Payload carries the JSON
// encoded message body as a string; Decode unpacks it into a typed struct.
type Envelope struct {
	Type    MessageType   `json:"type"`
	Sender  *EndpointAddr `json:"sender,omitempty"`
	Target  *EndpointAddr `json:"target,omitempty"`
	Payload string        `json:"payload,omitempty"`
}

// NewEnvelope packs msg into a new envelope of the given type. A nil msg
// produces an envelope without payload.
func NewEnvelope(t MessageType, msg any) (*Envelope, error) {
	env := &Envelope{Type: t}
	if msg == nil {
		return env, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	env.Payload = string(data)
	return env, nil
}

// ParseEnvelope decodes a raw message. The payload must be valid JSON when
// present.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Payload != "" && !gjson.Valid(env.Payload) {
		return nil, fmt.Errorf("%w: payload of %s is not valid JSON", ErrInvalidEnvelope, env.Type)
	}
	return &env, nil
}

// Marshal encodes the envelope for the wire
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unpacks the payload into v
func (e *Envelope) Decode(v any) error {
	if e.Payload == "" {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, e.Type, err)
	}
	return nil
}

// Field reads a single value out of the payload without decoding the rest
func (e *Envelope) Field(path string) gjson.Result {
	return gjson.Get(e.Payload, path)
}

// AddrField reads an address out of the payload. It returns nil when the
// field is missing or is not an address object.
func (e *Envelope) AddrField(path string) *EndpointAddr {
	result := e.Field(path)
	if !result.IsObject() {
		return nil
	}
	var addr EndpointAddr
	if err := json.Unmarshal([]byte(result.Raw), &addr); err != nil {
		return nil
	}
	return &addr
}

// Readdressed returns a shallow copy of the envelope with a new target
func (e *Envelope) Readdressed(target *EndpointAddr) *Envelope {
	out := *e
	out.Target = target
	return &out
}

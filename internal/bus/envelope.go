package bus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of a message. Origin identifies the publishing
// instance so receivers can drop their own messages; ID lets transports with
// replay (relay reconnects) deduplicate.
type Envelope struct {
	ID      string  `json:"id"`
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// NewEnvelope wraps a message for the wire.
func NewEnvelope(origin string, msg Message) Envelope {
	return Envelope{
		ID:      NewMessageID(),
		Origin:  origin,
		Message: msg,
	}
}

// Encode serializes the envelope to JSON.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope from the wire. Unknown message types are
// preserved so receivers can skip them without failing.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Message.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing message type")
	}
	return e, nil
}

package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaopohou/MessageCenter/internal/message"
)

var (
	// ErrUnsupportedType marks a contract violation: the caller tried to
	// enqueue a payload type that was never registered.
	ErrUnsupportedType = errors.New("unsupported payload type")

	// ErrUnknownLabel means a received envelope's routing label matches no
	// registered type. Such envelopes are left on the queue.
	ErrUnknownLabel = errors.New("unknown envelope label")
)

// Envelope is the wire unit carried through the broker: a routing label,
// a broker priority level, a durability flag and the serialized payload.
type Envelope struct {
	ID          int64           `json:"id"`
	Label       string          `json:"label"`
	Level       Level           `json:"level"`
	Recoverable bool            `json:"recoverable"`
	Body        json.RawMessage `json:"body"`
}

// NewEnvelope seals a message into an envelope. The label comes from the
// registry, never from runtime type names.
func NewEnvelope(envelopeID int64, msg message.Message, level Level, reg *message.Registry) (Envelope, error) {
	label, ok := reg.Label(msg.Type())
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnsupportedType, msg.Type())
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
	}
	return Envelope{
		ID:          envelopeID,
		Label:       label,
		Level:       level,
		Recoverable: true,
		Body:        body,
	}, nil
}

// Decode reconstructs the payload. The label selects the target type from
// the registry; the body is self-describing JSON for that type.
func (e *Envelope) Decode(reg *message.Registry) (message.Message, error) {
	msg, ok := reg.ByLabel(e.Label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, e.Label)
	}
	if err := json.Unmarshal(e.Body, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %q payload: %w", e.Label, err)
	}
	return msg, nil
}

package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType is the type name carried by chat message envelopes
const EnvelopeType = "ChatMessage"

// Envelope wraps payloads for transport
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// NewEnvelope serializes payload into an envelope with the given ID
func NewEnvelope(id string, payload Payload, at time.Time) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	return &Envelope{
		ID:            id,
		Type:          EnvelopeType,
		Timestamp:     at.UTC().Format(time.RFC3339Nano),
		CorrelationID: payload.ConversationID,
		Headers: map[string]interface{}{
			"x-message-kind": payload.Kind.String(),
			"x-sender-id":    payload.SenderID,
		},
		Body: body,
	}, nil
}

// Payload decodes the envelope body
func (e *Envelope) Payload() (Payload, error) {
	var p Payload
	if err := json.Unmarshal(e.Body, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to decode envelope %s: %w", e.ID, err)
	}
	return p, nil
}

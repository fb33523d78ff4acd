package contracts

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// MaxMetadataEntries bounds the number of metadata pairs on a payload
	MaxMetadataEntries = 32
	// MaxMetadataKeyLen bounds the length of a metadata key in bytes
	MaxMetadataKeyLen = 64
	// MaxMetadataValueLen bounds the length of a metadata value in bytes
	MaxMetadataValueLen = 1024
)

// Payload is the content of one chat message as handed to a sender
type Payload struct {
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Content        string            `json:"content"`
	Kind           MessageKind       `json:"kind"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	AttachmentURL  string            `json:"attachmentUrl,omitempty"`
}

// PayloadOption configures a Payload built with NewPayload
type PayloadOption func(*Payload)

// WithKind sets the message kind
func WithKind(kind MessageKind) PayloadOption {
	return func(p *Payload) {
		p.Kind = kind
	}
}

// WithAttachment sets the attachment reference
func WithAttachment(attachmentURL string) PayloadOption {
	return func(p *Payload) {
		p.AttachmentURL = attachmentURL
	}
}

// WithMetadata merges the given pairs into the payload metadata
func WithMetadata(metadata map[string]string) PayloadOption {
	return func(p *Payload) {
		if p.Metadata == nil {
			p.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			p.Metadata[k] = v
		}
	}
}

// NewPayload builds a text payload and validates it
func NewPayload(conversationID, senderID, content string, options ...PayloadOption) (Payload, error) {
	p := Payload{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           KindText,
	}

	for _, opt := range options {
		opt(&p)
	}

	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Validate checks the payload against the sender contract
func (p Payload) Validate() error {
	if strings.TrimSpace(p.ConversationID) == "" {
		return &ValidationError{Field: "conversationId", Reason: "is required"}
	}
	if strings.TrimSpace(p.SenderID) == "" {
		return &ValidationError{Field: "senderId", Reason: "is required"}
	}
	if !p.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not a known message kind", p.Kind)}
	}
	if p.Kind.RequiresAttachment() && p.AttachmentURL == "" {
		return &ValidationError{Field: "attachmentUrl", Reason: fmt.Sprintf("is required for %s messages", p.Kind)}
	}
	if !p.Kind.RequiresAttachment() && strings.TrimSpace(p.Content) == "" {
		return &ValidationError{Field: "content", Reason: "is required"}
	}
	if p.AttachmentURL != "" {
		u, err := url.Parse(p.AttachmentURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ValidationError{Field: "attachmentUrl", Reason: "must be an absolute URL"}
		}
	}
	if len(p.Metadata) > MaxMetadataEntries {
		return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("has %d entries, limit is %d", len(p.Metadata), MaxMetadataEntries)}
	}
	for k, v := range p.Metadata {
		if k == "" || len(k) > MaxMetadataKeyLen {
			return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("key %q must be 1-%d bytes", k, MaxMetadataKeyLen)}
		}
		if len(v) > MaxMetadataValueLen {
			return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("value for %q exceeds %d bytes", k, MaxMetadataValueLen)}
		}
	}
	return nil
}

// Clone returns a copy of p that shares no mutable state with it
func (p Payload) Clone() Payload {
	if p.Metadata != nil {
		md := make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			md[k] = v
		}
		p.Metadata = md
	}
	return p
}

package contracts

import (
	"fmt"
	"strings"
)

// MessageKind enumerates the kinds of message a conversation can carry
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
	KindQuote  MessageKind = "quote"
)

var messageKinds = []MessageKind{KindText, KindImage, KindFile, KindSystem, KindQuote}

// Valid reports whether k is one of the known message kinds
func (k MessageKind) Valid() bool {
	for _, known := range messageKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RequiresAttachment reports whether messages of this kind must reference an attachment
func (k MessageKind) RequiresAttachment() bool {
	return k == KindImage || k == KindFile
}

func (k MessageKind) String() string {
	return string(k)
}

// ParseMessageKind parses a message kind, ignoring case and surrounding space
func ParseMessageKind(s string) (MessageKind, error) {
	k := MessageKind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return KindText, nil
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown message kind %q", s)
	}
	return k, nil
}

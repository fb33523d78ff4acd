// Package contracts provides the core message types shared by the dispatch
// queue and its senders.
//
// This package defines:
//   - MessageKind: the enumerated kinds of chat message (text, image, ...)
//   - Payload: the typed content handed to a message sender
//   - Envelope: the JSON wire form used by transport senders
//
// Payloads are opaque to the dispatch queue. They are validated when built
// with NewPayload and passed through to the sender unchanged.
package contracts

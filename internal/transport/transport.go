// Package transport defines the broadcast channel peers exchange
// heartbeats and state changes on. Callers pick an implementation at
// construction time; the contract is identical for all of them and
// senders never receive their own messages.
package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message kinds carried on the channel.
const (
	TypeHeartbeat        = "heartbeat"
	TypeStateChange      = "state-change"
	TypeConflictResolved = "conflict-resolved"
	TypeUnregister       = "unregister"
)

// Message is one broadcast datagram.
type Message struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sentAt"`
}

// NewMessage stamps a message with an ID and send time.
func NewMessage(msgType, senderID string, payload json.RawMessage) Message {
	return Message{
		ID:       uuid.NewString(),
		Type:     msgType,
		SenderID: senderID,
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	}
}

// Handler consumes inbound messages.
type Handler func(Message)

// Transport is a profile-scoped publish/subscribe channel.
type Transport interface {
	// Publish broadcasts the message to every other subscriber.
	Publish(msg Message) error
	// Subscribe registers a handler for inbound messages and returns a
	// cancel function.
	Subscribe(h Handler) func()
	// Close tears the transport down; Publish fails afterwards.
	Close() error
}

// Package events publishes relay activity to a message broker.
//
// Events are fire-and-forget: a broker outage never blocks or fails a
// relay operation. When no broker is configured a noop publisher stands in
// and only logs what would have been sent.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the topic exchange.
const (
	UserJoined       = "relay.user.joined"
	ChatCreated      = "relay.chat.created"
	MessageSaved     = "relay.message.saved"
	MessageEdited    = "relay.message.edited"
	MessageDeleted   = "relay.message.deleted"
	ChatCleared      = "relay.chat.cleared"
	ConnectionClosed = "relay.connection.closed"
)

// Envelope wraps every published payload.
type Envelope struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// NewEnvelope stamps payload with a fresh id and the current time.
func NewEnvelope(eventType string, payload any) Envelope {
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// MessagePayload describes a message event. Content is never included.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Sender    string `json:"sender,omitempty"`
	Type      string `json:"type,omitempty"`
	Applied   bool   `json:"applied"`
}

// ChatPayload describes a chat event.
type ChatPayload struct {
	ChatID  string `json:"chat_id"`
	Name    string `json:"name,omitempty"`
	Creator string `json:"creator,omitempty"`
	Applied bool   `json:"applied"`
}

// UserPayload describes a user or connection event.
type UserPayload struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username"`
	ConnID   string `json:"conn_id,omitempty"`
}

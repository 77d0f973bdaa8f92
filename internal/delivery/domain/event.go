package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates recipient engagement events.
type EventType string

const (
	EventTypeOpened       EventType = "opened"
	EventTypeClicked      EventType = "clicked"
	EventTypeUnsubscribed EventType = "unsubscribed"
)

// Event is one append-only engagement record keyed to a ledger message.
// The engine never updates or deletes events; retention is an external
// concern.
type Event struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	EventType EventType `json:"event_type"`
	EventData string    `json:"event_data,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent creates an engagement event for the given message.
func NewEvent(messageID uuid.UUID, eventType EventType, eventData, ip, userAgent string) *Event {
	return &Event{
		ID:        uuid.New(),
		MessageID: messageID,
		EventType: eventType,
		EventData: eventData,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: time.Now().UTC(),
	}
}

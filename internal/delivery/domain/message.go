package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// MessageStatus represents the delivery status of one ledger row.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusBounced   MessageStatus = "bounced"
	MessageStatusFailed    MessageStatus = "failed"
)

// Terminal reports whether the status counts toward campaign completion.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusBounced, MessageStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a ledger row may move from s to next.
// sent → delivered happens on first open; everything else is terminal.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	switch s {
	case MessageStatusPending:
		return next == MessageStatusSent || next == MessageStatusBounced || next == MessageStatusFailed
	case MessageStatusSent:
		return next == MessageStatusDelivered
	default:
		return false
	}
}

// Message is one row of the message ledger: one recipient of one campaign.
type Message struct {
	ID                 uuid.UUID      `json:"id"`
	CampaignID         uuid.UUID      `json:"campaign_id"`
	ContactID          uuid.UUID      `json:"contact_id"`
	TransportMessageID sql.NullString `json:"transport_message_id,omitempty"`
	TrackingToken      string         `json:"tracking_token"`
	Status             MessageStatus  `json:"status"`
	SentAt             sql.NullTime   `json:"sent_at,omitempty"`
	DeliveredAt        sql.NullTime   `json:"delivered_at,omitempty"`
	ErrorMessage       sql.NullString `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// NewMessage creates a pending ledger row with a freshly minted tracking token.
func NewMessage(campaignID, contactID uuid.UUID) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:            uuid.New(),
		CampaignID:    campaignID,
		ContactID:     contactID,
		TrackingToken: uuid.NewString(),
		Status:        MessageStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

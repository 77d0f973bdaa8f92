package domain

// Campaign, contact, template and SMTP account rows are owned by the CRUD
// layer. The engine reads the fields below and writes back only the status
// transitions it owns (campaign sending → sent, contact active → bounced /
// unsubscribed).

import (
	"database/sql"

	"github.com/google/uuid"
)

// CampaignStatus is the lifecycle of a campaign as the engine sees it.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusSent      CampaignStatus = "sent"
)

// CanTransitionTo reports whether a campaign may move from s to next.
// scheduled → draft is a cancel; the scheduled → sending flip is the
// scheduler's dedup gate.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	switch s {
	case CampaignStatusDraft:
		return next == CampaignStatusScheduled || next == CampaignStatusSending
	case CampaignStatusScheduled:
		return next == CampaignStatusSending || next == CampaignStatusDraft
	case CampaignStatusSending:
		return next == CampaignStatusSent
	default:
		return false
	}
}

// Campaign is the engine-visible projection of a campaign row.
type Campaign struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	TemplateID  uuid.NullUUID  `json:"template_id"`
	ListID      uuid.NullUUID  `json:"list_id"`
	FromName    string         `json:"from_name" validate:"required"`
	FromEmail   string         `json:"from_email" validate:"required,email"`
	ReplyTo     sql.NullString `json:"reply_to,omitempty"`
	Status      CampaignStatus `json:"status"`
	ScheduledAt sql.NullTime   `json:"scheduled_at,omitempty"`
}

// Sendable reports whether the campaign carries everything orchestration
// needs. Status gating is separate; see ErrCampaignAlreadySent.
func (c *Campaign) Sendable() bool {
	return c.TemplateID.Valid && c.ListID.Valid && c.FromName != "" && c.FromEmail != ""
}

// ContactStatus is the recipient lifecycle the engine writes back into.
type ContactStatus string

const (
	ContactStatusActive       ContactStatus = "active"
	ContactStatusBounced      ContactStatus = "bounced"
	ContactStatusUnsubscribed ContactStatus = "unsubscribed"
)

// Contact is the engine-visible projection of a contact row.
type Contact struct {
	ID           uuid.UUID         `json:"id"`
	Email        string            `json:"email"`
	Name         string            `json:"name"`
	Status       ContactStatus     `json:"status"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// Template is the engine-visible projection of a template row.
type Template struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Type    string    `json:"type"`
}

// SMTPAccount is one outbound transport account. The engine always uses
// whichever account is flagged active.
type SMTPAccount struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Username string    `json:"username"`
	Password string    `json:"-"`
	UseTLS   bool      `json:"use_tls"`
	Active   bool      `json:"active"`
}

// SubscriptionStatus is a contact's membership status on one list.
type SubscriptionStatus string

const (
	SubscriptionStatusSubscribed   SubscriptionStatus = "subscribed"
	SubscriptionStatusUnsubscribed SubscriptionStatus = "unsubscribed"
)

package domain

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// UnsubscribeToken is a single-use opt-out credential. ListID scopes the
// unsubscribe to one list when set; a null ListID opts the contact out
// globally.
type UnsubscribeToken struct {
	Token      string        `json:"token"`
	ContactID  uuid.UUID     `json:"contact_id"`
	ListID     uuid.NullUUID `json:"list_id,omitempty"`
	CampaignID uuid.NullUUID `json:"campaign_id,omitempty"`
	ExpiresAt  time.Time     `json:"expires_at"`
	UsedAt     sql.NullTime  `json:"used_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// NewUnsubscribeToken mints a token valid for ttl.
func NewUnsubscribeToken(contactID uuid.UUID, listID, campaignID uuid.NullUUID, ttl time.Duration) *UnsubscribeToken {
	now := time.Now().UTC()
	return &UnsubscribeToken{
		Token:      uuid.NewString(),
		ContactID:  contactID,
		ListID:     listID,
		CampaignID: campaignID,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
}

// Expired reports whether the token is past its expiry at now.
func (t *UnsubscribeToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ShortLink maps a short code back to the original destination URL.
// Deduplicated by (campaign, original URL): the same destination within one
// campaign always resolves to the same code.
type ShortLink struct {
	ID          uuid.UUID `json:"id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	OriginalURL string    `json:"original_url"`
	ShortCode   string    `json:"short_code"`
	CreatedAt   time.Time `json:"created_at"`
}

package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
)

// JobRepository is the durable work queue. Jobs are created by the
// orchestrator and consumed by the queue processor; nothing else mutates
// them.
type JobRepository interface {
	Enqueue(ctx context.Context, job *domain.Job) error
	// BulkEnqueue inserts all jobs inside the supplied transaction;
	// all-or-nothing.
	BulkEnqueue(ctx context.Context, tx pgx.Tx, jobs []*domain.Job) error
	// NextPending returns due jobs (scheduled_at <= now) ordered by
	// priority desc, scheduled_at asc. jobType filters when non-empty.
	// Returns domain.ErrNoDueJobs when nothing is schedulable.
	NextPending(ctx context.Context, now time.Time, limit int, jobType domain.JobType) ([]*domain.Job, error)
	// MarkProcessing claims a pending job. Returns domain.ErrNotFound if
	// the job is gone or no longer pending.
	MarkProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error
	// MarkFailed applies the retry policy: with retryable=true and budget
	// remaining the job goes back to pending at nextAttempt, otherwise it
	// is permanently failed.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryable bool, nextAttempt time.Time) error
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error)
}

// MessageRepository is the per-recipient delivery ledger.
type MessageRepository interface {
	BulkCreate(ctx context.Context, tx pgx.Tx, msgs []*domain.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	GetByTrackingToken(ctx context.Context, token string) (*domain.Message, error)
	// MarkSent records a successful dispatch with the transport message id.
	MarkSent(ctx context.Context, id uuid.UUID, transportMessageID string, sentAt time.Time) error
	// MarkDelivered flips sent → delivered. First open only: a row not in
	// status sent is left untouched and no error is returned.
	MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) (bool, error)
	MarkBounced(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// CountSentSince feeds the rate limiter's window recomputation.
	CountSentSince(ctx context.Context, since time.Time) (int64, error)
	// CountUnfinished counts ledger rows of the campaign not yet in a
	// terminal status.
	CountUnfinished(ctx context.Context, campaignID uuid.UUID) (int64, error)
	CountByStatusForCampaign(ctx context.Context, campaignID uuid.UUID) (map[domain.MessageStatus]int64, error)
	FindByCampaignAndContact(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.Message, error)
}

// EventRepository is the append-only engagement log.
type EventRepository interface {
	Append(ctx context.Context, event *domain.Event) error
}

// UnsubscribeTokenRepository manages single-use opt-out tokens.
type UnsubscribeTokenRepository interface {
	BulkCreate(ctx context.Context, tx pgx.Tx, tokens []*domain.UnsubscribeToken) error
	GetByToken(ctx context.Context, token string) (*domain.UnsubscribeToken, error)
	// GetForCampaignContact returns the token minted for this recipient at
	// orchestration time; the renderer embeds it in the footer and headers.
	GetForCampaignContact(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.UnsubscribeToken, error)
	// MarkUsed consumes the token. Returns domain.ErrTokenUsed if used_at
	// was already set.
	MarkUsed(ctx context.Context, token string, usedAt time.Time) error
}

// ShortLinkRepository deduplicates rewritten links per campaign.
type ShortLinkRepository interface {
	// GetOrCreate returns the existing short link for (campaignID, url) or
	// inserts a new one.
	GetOrCreate(ctx context.Context, campaignID uuid.UUID, url string) (*domain.ShortLink, error)
	GetByCode(ctx context.Context, code string) (*domain.ShortLink, error)
}

// CampaignStore is the engine's view of the CRUD layer's campaigns: reads
// plus the status transitions the engine owns.
type CampaignStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// TransitionStatus flips status from expected to next atomically and
	// reports whether this call won the flip.
	TransitionStatus(ctx context.Context, id uuid.UUID, expected, next domain.CampaignStatus) (bool, error)
	// ClaimDueScheduled flips scheduled campaigns with scheduled_at <= now
	// to sending and returns the claimed rows. The status flip is the
	// dedup; a concurrent poll cannot claim the same campaign twice.
	ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
}

// ContactStore reads list subscribers and writes back contact lifecycle
// transitions (bounced, unsubscribed).
type ContactStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	// ListActiveSubscribers returns contacts of the list that are active
	// and still subscribed to it.
	ListActiveSubscribers(ctx context.Context, listID uuid.UUID) ([]*domain.Contact, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ContactStatus) error
	// UnsubscribeFromList flips only the list membership, leaving the
	// contact's global status alone.
	UnsubscribeFromList(ctx context.Context, contactID, listID uuid.UUID) error
}

// TemplateStore reads templates owned by the CRUD layer.
type TemplateStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Template, error)
}

// SMTPAccountStore reads transport accounts owned by the CRUD layer.
type SMTPAccountStore interface {
	// GetActive returns the account flagged active, or domain.ErrNotFound.
	GetActive(ctx context.Context) (*domain.SMTPAccount, error)
}

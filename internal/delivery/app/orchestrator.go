package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/render"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
	"github.com/mailkite/delivery-engine/internal/delivery/transport"
)

// unsubscribeTokenTTL is how long a minted opt-out token stays valid.
const unsubscribeTokenTTL = 90 * 24 * time.Hour

// TxBeginner matches pgxpool.Pool's transaction entry point; narrowed to
// an interface so expansion can be tested without a live pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrchestratorConfig holds the campaign expansion tunables.
type OrchestratorConfig struct {
	MaxRetries  int
	JobPriority int
}

// Orchestrator expands a campaign into its per-recipient ledger rows,
// opt-out tokens and queue jobs. Expansion is one transaction: a campaign
// is either fully fanned out or not at all.
type Orchestrator struct {
	db        TxBeginner
	campaigns repository.CampaignStore
	contacts  repository.ContactStore
	templates repository.TemplateStore
	messages  repository.MessageRepository
	tokens    repository.UnsubscribeTokenRepository
	jobs      repository.JobRepository

	renderer   *render.Renderer
	dispatcher transport.Dispatcher
	validate   *validator.Validate
	logger     *slog.Logger
	config     OrchestratorConfig
}

// NewOrchestrator wires the campaign orchestrator.
func NewOrchestrator(
	db TxBeginner,
	campaigns repository.CampaignStore,
	contacts repository.ContactStore,
	templates repository.TemplateStore,
	messages repository.MessageRepository,
	tokens repository.UnsubscribeTokenRepository,
	jobs repository.JobRepository,
	renderer *render.Renderer,
	dispatcher transport.Dispatcher,
	logger *slog.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		db:         db,
		campaigns:  campaigns,
		contacts:   contacts,
		templates:  templates,
		messages:   messages,
		tokens:     tokens,
		jobs:       jobs,
		renderer:   renderer,
		dispatcher: dispatcher,
		validate:   validator.New(),
		logger:     logger.With("service", "orchestrator"),
		config:     cfg,
	}
}

// SendCampaign launches a campaign immediately. The status flip to sending
// is the idempotency gate: a second concurrent call loses the flip and gets
// domain.ErrCampaignAlreadySent. Returns the number of recipients fanned
// out.
func (o *Orchestrator) SendCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	campaign, err := o.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if err := o.validateSendable(campaign); err != nil {
		return 0, err
	}

	won, err := o.campaigns.TransitionStatus(ctx, campaignID, campaign.Status, domain.CampaignStatusSending)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return 0, domain.ErrCampaignAlreadySent
		}
		return 0, err
	}
	if !won {
		return 0, domain.ErrCampaignAlreadySent
	}

	campaign.Status = domain.CampaignStatusSending
	return o.expand(ctx, campaign)
}

// ExpandClaimed fans out a campaign the scheduler already flipped to
// sending. No status gating here; the claim was the gate.
func (o *Orchestrator) ExpandClaimed(ctx context.Context, campaign *domain.Campaign) (int, error) {
	if err := o.validateSendable(campaign); err != nil {
		return 0, err
	}
	return o.expand(ctx, campaign)
}

// CancelScheduled pulls a scheduled campaign back to draft before the
// scheduler claims it. Losing the flip means the campaign already started
// sending.
func (o *Orchestrator) CancelScheduled(ctx context.Context, campaignID uuid.UUID) error {
	won, err := o.campaigns.TransitionStatus(ctx, campaignID, domain.CampaignStatusScheduled, domain.CampaignStatusDraft)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return domain.ErrNotCancellable
		}
		return err
	}
	if !won {
		return domain.ErrNotCancellable
	}
	o.logger.InfoContext(ctx, "Scheduled campaign cancelled", "campaign_id", campaignID)
	return nil
}

// TestSend renders the campaign against a synthetic contact and dispatches
// one email to the given address. Nothing is persisted except the short
// links minted by link rewriting; no ledger row, no job, no status change.
func (o *Orchestrator) TestSend(ctx context.Context, campaignID uuid.UUID, toEmail string) error {
	if err := o.validate.Var(toEmail, "required,email"); err != nil {
		return fmt.Errorf("invalid test recipient: %w", err)
	}

	campaign, err := o.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if !campaign.TemplateID.Valid {
		return domain.ErrCampaignNotSendable
	}
	tpl, err := o.templates.GetByID(ctx, campaign.TemplateID.UUID)
	if err != nil {
		return err
	}

	contact := &domain.Contact{
		ID:     uuid.New(),
		Email:  toEmail,
		Name:   "Test Recipient",
		Status: domain.ContactStatusActive,
	}
	rendered, err := o.renderer.Render(ctx, render.Input{
		Template:         tpl,
		Campaign:         campaign,
		Contact:          contact,
		TrackingToken:    uuid.NewString(),
		UnsubscribeToken: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("rendering test email: %w", err)
	}
	rendered.Subject = "[TEST] " + rendered.Subject

	if _, err := o.dispatcher.Dispatch(ctx, rendered); err != nil {
		return fmt.Errorf("dispatching test email: %w", err)
	}
	o.logger.InfoContext(ctx, "Test email dispatched", "campaign_id", campaignID, "to", toEmail)
	return nil
}

func (o *Orchestrator) validateSendable(campaign *domain.Campaign) error {
	if !campaign.Sendable() {
		return domain.ErrCampaignNotSendable
	}
	if err := o.validate.Struct(campaign); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrCampaignNotSendable, err)
	}
	return nil
}

// expand resolves the recipient set and writes ledger rows, tokens and
// jobs in a single transaction.
func (o *Orchestrator) expand(ctx context.Context, campaign *domain.Campaign) (int, error) {
	recipients, err := o.contacts.ListActiveSubscribers(ctx, campaign.ListID.UUID)
	if err != nil {
		return 0, fmt.Errorf("resolving recipients: %w", err)
	}
	if len(recipients) == 0 {
		// An empty list is a completed campaign, not an error.
		if _, err := o.campaigns.TransitionStatus(ctx, campaign.ID, domain.CampaignStatusSending, domain.CampaignStatusSent); err != nil {
			o.logger.ErrorContext(ctx, "Failed to complete empty campaign", "error", err, "campaign_id", campaign.ID)
		}
		o.logger.InfoContext(ctx, "Campaign has no active subscribers", "campaign_id", campaign.ID)
		return 0, nil
	}

	campaignRef := uuid.NullUUID{UUID: campaign.ID, Valid: true}
	now := time.Now().UTC()

	msgs := make([]*domain.Message, 0, len(recipients))
	toks := make([]*domain.UnsubscribeToken, 0, len(recipients))
	jobs := make([]*domain.Job, 0, len(recipients))
	for _, contact := range recipients {
		msg := domain.NewMessage(campaign.ID, contact.ID)
		msgs = append(msgs, msg)
		toks = append(toks, domain.NewUnsubscribeToken(contact.ID, campaign.ListID, campaignRef, unsubscribeTokenTTL))

		payload, err := (&domain.SendEmailPayload{MessageID: msg.ID, CampaignID: campaign.ID}).ToJSON()
		if err != nil {
			return 0, fmt.Errorf("encoding job payload: %w", err)
		}
		jobs = append(jobs, domain.NewJob(domain.JobTypeSendEmail, payload, o.config.JobPriority, o.config.MaxRetries, now))
	}

	err = pgx.BeginFunc(ctx, o.db, func(tx pgx.Tx) error {
		if err := o.messages.BulkCreate(ctx, tx, msgs); err != nil {
			return fmt.Errorf("creating ledger rows: %w", err)
		}
		if err := o.tokens.BulkCreate(ctx, tx, toks); err != nil {
			return fmt.Errorf("creating unsubscribe tokens: %w", err)
		}
		if err := o.jobs.BulkEnqueue(ctx, tx, jobs); err != nil {
			return fmt.Errorf("enqueueing jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expanding campaign %s: %w", campaign.ID, err)
	}

	o.logger.InfoContext(ctx, "Campaign expanded", "campaign_id", campaign.ID, "recipients", len(recipients))
	return len(recipients), nil
}

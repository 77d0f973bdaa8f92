package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mailkite/delivery-engine/internal/delivery/bounce"
	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/render"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
	"github.com/mailkite/delivery-engine/internal/delivery/transport"
)

// EventPublisher pushes engine events to the analytics layer. Publication
// is best-effort; the durable record is the event log and the ledger.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// ProcessorConfig holds the queue processor tunables.
type ProcessorConfig struct {
	BatchSize          int
	BackoffBaseMinutes int
	DispatchTimeout    time.Duration
}

// QueueProcessor is the engine's core loop: poll the job store, enforce the
// send budget, render, dispatch, classify the outcome and write status
// back. Jobs within one tick run sequentially; the store's transactional
// guarantees are the only concurrency control.
type QueueProcessor struct {
	jobs      repository.JobRepository
	messages  repository.MessageRepository
	campaigns repository.CampaignStore
	contacts  repository.ContactStore
	templates repository.TemplateStore
	tokens    repository.UnsubscribeTokenRepository

	renderer   *render.Renderer
	dispatcher transport.Dispatcher
	limiter    *RateLimiter
	publisher  EventPublisher
	logger     *slog.Logger
	config     ProcessorConfig
}

// NewQueueProcessor wires the processor. publisher may be nil when no
// broker is configured.
func NewQueueProcessor(
	jobs repository.JobRepository,
	messages repository.MessageRepository,
	campaigns repository.CampaignStore,
	contacts repository.ContactStore,
	templates repository.TemplateStore,
	tokens repository.UnsubscribeTokenRepository,
	renderer *render.Renderer,
	dispatcher transport.Dispatcher,
	limiter *RateLimiter,
	publisher EventPublisher,
	logger *slog.Logger,
	cfg ProcessorConfig,
) *QueueProcessor {
	return &QueueProcessor{
		jobs:       jobs,
		messages:   messages,
		campaigns:  campaigns,
		contacts:   contacts,
		templates:  templates,
		tokens:     tokens,
		renderer:   renderer,
		dispatcher: dispatcher,
		limiter:    limiter,
		publisher:  publisher,
		logger:     logger.With("service", "queue_processor"),
		config:     cfg,
	}
}

// PollAndProcessJobs runs one tick: pull a bounded batch of due jobs and
// work through it. Returns the number of jobs attempted. Budget exhaustion
// is a soft throttle: untouched jobs stay pending for the next tick.
func (p *QueueProcessor) PollAndProcessJobs(ctx context.Context) (int, error) {
	due, err := p.jobs.NextPending(ctx, time.Now().UTC(), p.config.BatchSize, domain.JobTypeSendEmail)
	if err != nil {
		if errors.Is(err, domain.ErrNoDueJobs) {
			return 0, nil
		}
		return 0, fmt.Errorf("polling pending jobs: %w", err)
	}

	processed := 0
	for _, job := range due {
		if !p.limiter.Allow() {
			rateLimitDeferredCounter.Add(float64(len(due) - processed))
			p.logger.InfoContext(ctx, "Send budget exhausted, deferring remaining jobs",
				"deferred", len(due)-processed)
			break
		}

		if err := p.jobs.MarkProcessing(ctx, job.ID, time.Now().UTC()); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Claimed by someone else since the poll; not ours.
				continue
			}
			p.logger.ErrorContext(ctx, "Failed to claim job", "error", err, "job_id", job.ID)
			continue
		}

		processed++
		timer := prometheus.NewTimer(jobProcessingDurationHist.WithLabelValues(string(job.JobType)))
		p.processSendJob(ctx, job)
		timer.ObserveDuration()
	}
	return processed, nil
}

func (p *QueueProcessor) processSendJob(ctx context.Context, job *domain.Job) {
	logger := p.logger.With("job_id", job.ID, "retry_count", job.RetryCount)

	var payload domain.SendEmailPayload
	if err := payload.FromJSON(job.Payload); err != nil {
		logger.ErrorContext(ctx, "Undecodable job payload, failing permanently", "error", err)
		p.failJob(ctx, job, "payload decode: "+err.Error(), false)
		jobsProcessedCounter.WithLabelValues(string(job.JobType), "failed").Inc()
		return
	}
	logger = logger.With("message_id", payload.MessageID, "campaign_id", payload.CampaignID)

	msg, err := p.messages.GetByID(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.ErrorContext(ctx, "Ledger row missing for job, failing permanently")
			p.failJob(ctx, job, "message not found", false)
			jobsProcessedCounter.WithLabelValues(string(job.JobType), "failed").Inc()
			return
		}
		p.retryJob(ctx, job, "loading message: "+err.Error(), logger)
		return
	}

	// At-least-once delivery with idempotent transitions: a redelivered
	// job whose message already reached a terminal status is simply done.
	if msg.Status != domain.MessageStatusPending {
		logger.WarnContext(ctx, "Message already in terminal status, completing job", "status", msg.Status)
		if err := p.jobs.MarkCompleted(ctx, job.ID, time.Now().UTC()); err != nil {
			logger.ErrorContext(ctx, "Failed to complete job for settled message", "error", err)
		}
		jobsProcessedCounter.WithLabelValues(string(job.JobType), "completed").Inc()
		return
	}

	rendered, err := p.renderForMessage(ctx, msg)
	if err != nil {
		p.retryJob(ctx, job, "render: "+err.Error(), logger)
		return
	}

	p.limiter.Record()

	dispatchCtx, cancel := context.WithTimeout(ctx, p.config.DispatchTimeout)
	receipt, err := p.dispatcher.Dispatch(dispatchCtx, rendered)
	cancel()

	if err == nil {
		p.settleSent(ctx, job, msg, receipt, logger)
		return
	}

	var rejection *transport.DispatchError
	if errors.As(err, &rejection) && bounce.Classify(rejection.Code, rejection.Message) == bounce.ClassHard {
		p.settleHardBounce(ctx, job, msg, rejection, logger)
		return
	}

	// Soft bounce, timeout, connection failure: all transient.
	if errors.As(err, &rejection) {
		sendsCounter.WithLabelValues("soft_bounce").Inc()
	} else {
		sendsCounter.WithLabelValues("transport_error").Inc()
	}
	p.settleSoftFailure(ctx, job, msg, err, logger)
}

func (p *QueueProcessor) renderForMessage(ctx context.Context, msg *domain.Message) (*render.RenderedEmail, error) {
	campaign, err := p.campaigns.GetByID(ctx, msg.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("loading campaign: %w", err)
	}
	contact, err := p.contacts.GetByID(ctx, msg.ContactID)
	if err != nil {
		return nil, fmt.Errorf("loading contact: %w", err)
	}
	if !campaign.TemplateID.Valid {
		return nil, fmt.Errorf("campaign %s has no template", campaign.ID)
	}
	tpl, err := p.templates.GetByID(ctx, campaign.TemplateID.UUID)
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}
	unsub, err := p.tokens.GetForCampaignContact(ctx, msg.CampaignID, msg.ContactID)
	if err != nil {
		return nil, fmt.Errorf("loading unsubscribe token: %w", err)
	}

	return p.renderer.Render(ctx, render.Input{
		Template:         tpl,
		Campaign:         campaign,
		Contact:          contact,
		TrackingToken:    msg.TrackingToken,
		UnsubscribeToken: unsub.Token,
	})
}

func (p *QueueProcessor) settleSent(ctx context.Context, job *domain.Job, msg *domain.Message, receipt *transport.Receipt, logger *slog.Logger) {
	now := time.Now().UTC()
	if err := p.messages.MarkSent(ctx, msg.ID, receipt.TransportMessageID, now); err != nil {
		// The send happened but the write did not; leave the job pending
		// so the next tick re-resolves the message. The terminal-status
		// guard above keeps the recipient from a duplicate send only when
		// the write eventually lands, which is the at-least-once contract.
		p.retryJob(ctx, job, "recording sent status: "+err.Error(), logger)
		return
	}
	if err := p.jobs.MarkCompleted(ctx, job.ID, now); err != nil {
		logger.ErrorContext(ctx, "Failed to complete job after send", "error", err)
	}
	sendsCounter.WithLabelValues("sent").Inc()
	jobsProcessedCounter.WithLabelValues(string(job.JobType), "completed").Inc()
	logger.InfoContext(ctx, "Message sent", "transport_message_id", receipt.TransportMessageID)

	p.publishEvent(ctx, "email.events.sent", msg)
	p.checkCampaignComplete(ctx, msg.CampaignID, logger)
}

// settleHardBounce is the short-circuit: no retry regardless of budget,
// and the contact lifecycle is updated immediately.
func (p *QueueProcessor) settleHardBounce(ctx context.Context, job *domain.Job, msg *domain.Message, rejection *transport.DispatchError, logger *slog.Logger) {
	logger.WarnContext(ctx, "Hard bounce", "smtp_code", rejection.Code, "smtp_message", rejection.Message)

	if err := p.messages.MarkBounced(ctx, msg.ID, rejection.Error()); err != nil {
		logger.ErrorContext(ctx, "Failed to mark message bounced", "error", err)
	}
	if err := p.contacts.UpdateStatus(ctx, msg.ContactID, domain.ContactStatusBounced); err != nil {
		logger.ErrorContext(ctx, "Failed to mark contact bounced", "error", err, "contact_id", msg.ContactID)
	}
	p.failJob(ctx, job, rejection.Error(), false)

	sendsCounter.WithLabelValues("hard_bounce").Inc()
	jobsProcessedCounter.WithLabelValues(string(job.JobType), "failed").Inc()

	p.publishEvent(ctx, "email.events.bounced", msg)
	p.checkCampaignComplete(ctx, msg.CampaignID, logger)
}

func (p *QueueProcessor) settleSoftFailure(ctx context.Context, job *domain.Job, msg *domain.Message, sendErr error, logger *slog.Logger) {
	exhausted := job.RetryCount+1 > job.MaxRetries
	if exhausted {
		logger.WarnContext(ctx, "Retry budget exhausted, failing message",
			"error", sendErr.Error(), "max_retries", job.MaxRetries)
		if err := p.messages.MarkFailed(ctx, msg.ID, sendErr.Error()); err != nil {
			logger.ErrorContext(ctx, "Failed to mark message failed", "error", err)
		}
		p.failJob(ctx, job, sendErr.Error(), true)
		jobsProcessedCounter.WithLabelValues(string(job.JobType), "failed").Inc()
		p.publishEvent(ctx, "email.events.failed", msg)
		p.checkCampaignComplete(ctx, msg.CampaignID, logger)
		return
	}

	// Message stays pending until retries exhaust.
	p.retryJob(ctx, job, sendErr.Error(), logger)
}

// retryJob pushes the job back to pending on the backoff schedule.
func (p *QueueProcessor) retryJob(ctx context.Context, job *domain.Job, errMsg string, logger *slog.Logger) {
	nextAttempt := domain.NextRetryAt(time.Now().UTC(), p.config.BackoffBaseMinutes, job.RetryCount+1)
	if err := p.jobs.MarkFailed(ctx, job.ID, errMsg, true, nextAttempt); err != nil {
		logger.ErrorContext(ctx, "Failed to schedule job retry", "error", err)
		return
	}
	logger.InfoContext(ctx, "Job scheduled for retry", "next_attempt_at", nextAttempt, "error", errMsg)
	jobsProcessedCounter.WithLabelValues(string(job.JobType), "retried").Inc()
}

func (p *QueueProcessor) failJob(ctx context.Context, job *domain.Job, errMsg string, retryable bool) {
	if err := p.jobs.MarkFailed(ctx, job.ID, errMsg, retryable, time.Now().UTC()); err != nil {
		p.logger.ErrorContext(ctx, "Failed to fail job", "error", err, "job_id", job.ID)
	}
}

// checkCampaignComplete flips the campaign to sent once every ledger row
// reached a terminal status. The status predicate makes a duplicate check
// harmless.
func (p *QueueProcessor) checkCampaignComplete(ctx context.Context, campaignID uuid.UUID, logger *slog.Logger) {
	unfinished, err := p.messages.CountUnfinished(ctx, campaignID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to count unfinished messages", "error", err)
		return
	}
	if unfinished > 0 {
		return
	}
	flipped, err := p.campaigns.TransitionStatus(ctx, campaignID, domain.CampaignStatusSending, domain.CampaignStatusSent)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to complete campaign", "error", err)
		return
	}
	if flipped {
		campaignsCompletedCounter.Inc()
		logger.InfoContext(ctx, "Campaign completed", "campaign_id", campaignID)
	}
}

func (p *QueueProcessor) publishEvent(ctx context.Context, subject string, msg *domain.Message) {
	if p.publisher == nil {
		return
	}
	data, err := json.Marshal(map[string]string{
		"message_id":  msg.ID.String(),
		"campaign_id": msg.CampaignID.String(),
		"contact_id":  msg.ContactID.String(),
	})
	if err != nil {
		return
	}
	if err := p.publisher.Publish(ctx, subject, data); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish engine event", "error", err, "subject", subject)
	}
}

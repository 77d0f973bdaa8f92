package app

import (
	"context"

	"github.com/google/uuid"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

// QueueStats is the operational snapshot of the job store plus the send
// budget left in the current window.
type QueueStats struct {
	Pending            int64 `json:"pending"`
	Processing         int64 `json:"processing"`
	Completed          int64 `json:"completed"`
	Failed             int64 `json:"failed"`
	RateLimitRemaining int   `json:"rate_limit_remaining"`
}

// CampaignProgress is the ledger breakdown of one campaign.
type CampaignProgress struct {
	CampaignID uuid.UUID             `json:"campaign_id"`
	Status     domain.CampaignStatus `json:"status"`
	Total      int64                 `json:"total"`
	Pending    int64                 `json:"pending"`
	Sent       int64                 `json:"sent"`
	Delivered  int64                 `json:"delivered"`
	Bounced    int64                 `json:"bounced"`
	Failed     int64                 `json:"failed"`
}

// StatsService serves read-only operational queries over the job store and
// the ledger.
type StatsService struct {
	jobs      repository.JobRepository
	messages  repository.MessageRepository
	campaigns repository.CampaignStore
	limiter   *RateLimiter
}

// NewStatsService wires the stats reader.
func NewStatsService(jobs repository.JobRepository, messages repository.MessageRepository, campaigns repository.CampaignStore, limiter *RateLimiter) *StatsService {
	return &StatsService{jobs: jobs, messages: messages, campaigns: campaigns, limiter: limiter}
}

// QueueStats returns job counts by status and the remaining send budget.
func (s *StatsService) QueueStats(ctx context.Context) (*QueueStats, error) {
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Pending:            counts[domain.JobStatusPending],
		Processing:         counts[domain.JobStatusProcessing],
		Completed:          counts[domain.JobStatusCompleted],
		Failed:             counts[domain.JobStatusFailed],
		RateLimitRemaining: s.limiter.Remaining(),
	}, nil
}

// CampaignProgress returns the per-status ledger breakdown of a campaign.
func (s *StatsService) CampaignProgress(ctx context.Context, campaignID uuid.UUID) (*CampaignProgress, error) {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.messages.CountByStatusForCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	progress := &CampaignProgress{
		CampaignID: campaignID,
		Status:     campaign.Status,
		Pending:    counts[domain.MessageStatusPending],
		Sent:       counts[domain.MessageStatusSent],
		Delivered:  counts[domain.MessageStatusDelivered],
		Bounced:    counts[domain.MessageStatusBounced],
		Failed:     counts[domain.MessageStatusFailed],
	}
	for _, n := range counts {
		progress.Total += n
	}
	return progress, nil
}

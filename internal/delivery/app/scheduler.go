package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

// Scheduler promotes due scheduled campaigns into the sending pipeline.
// The claim query's status flip is the dedup: two pollers can never expand
// the same campaign.
type Scheduler struct {
	campaigns    repository.CampaignStore
	orchestrator *Orchestrator
	batchSize    int
	logger       *slog.Logger
}

// NewScheduler wires the campaign scheduler.
func NewScheduler(campaigns repository.CampaignStore, orchestrator *Orchestrator, batchSize int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		campaigns:    campaigns,
		orchestrator: orchestrator,
		batchSize:    batchSize,
		logger:       logger.With("service", "scheduler"),
	}
}

// PromoteDueCampaigns runs one scheduler tick. A campaign that fails to
// expand is logged and left in sending for operator attention; the claim
// is not rolled back because a partial expansion cannot be distinguished
// from none. Returns the number of campaigns claimed.
func (s *Scheduler) PromoteDueCampaigns(ctx context.Context) (int, error) {
	claimed, err := s.campaigns.ClaimDueScheduled(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("claiming due campaigns: %w", err)
	}

	for _, campaign := range claimed {
		campaignsPromotedCounter.Inc()
		s.logger.InfoContext(ctx, "Promoting scheduled campaign", "campaign_id", campaign.ID, "name", campaign.Name)

		if _, err := s.orchestrator.ExpandClaimed(ctx, campaign); err != nil {
			s.logger.ErrorContext(ctx, "Failed to expand claimed campaign",
				"error", err, "campaign_id", campaign.ID)
			continue
		}
	}
	return len(claimed), nil
}

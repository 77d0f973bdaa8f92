package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
)

func newTestScheduler(t *testing.T) (*Scheduler, *orchestratorComponents) {
	t.Helper()
	c := newTestOrchestrator(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(c.campaigns, c.orchestrator, 5, logger), c
}

func TestPromoteDueCampaigns_ExpandsClaimed(t *testing.T) {
	scheduler, c := newTestScheduler(t)
	campaign := sendableCampaign()
	campaign.Status = domain.CampaignStatusSending
	recipients := []*domain.Contact{
		{ID: uuid.New(), Email: "a@example.com", Status: domain.ContactStatusActive},
	}

	c.campaigns.On("ClaimDueScheduled", mock.Anything, mock.AnythingOfType("time.Time"), 5).
		Return([]*domain.Campaign{campaign}, nil)
	c.contacts.On("ListActiveSubscribers", mock.Anything, campaign.ListID.UUID).Return(recipients, nil)
	c.messages.On("BulkCreate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.tokens.On("BulkCreate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.jobs.On("BulkEnqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	claimed, err := scheduler.PromoteDueCampaigns(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	// No second status flip: the claim already moved the campaign to sending.
	c.campaigns.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	c.jobs.AssertExpectations(t)
}

func TestPromoteDueCampaigns_NothingDue(t *testing.T) {
	scheduler, c := newTestScheduler(t)

	c.campaigns.On("ClaimDueScheduled", mock.Anything, mock.AnythingOfType("time.Time"), 5).
		Return([]*domain.Campaign{}, nil)

	claimed, err := scheduler.PromoteDueCampaigns(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
}

func TestPromoteDueCampaigns_ExpansionFailureDoesNotStopBatch(t *testing.T) {
	scheduler, c := newTestScheduler(t)
	broken := sendableCampaign()
	broken.Status = domain.CampaignStatusSending
	healthy := sendableCampaign()
	healthy.Status = domain.CampaignStatusSending

	c.campaigns.On("ClaimDueScheduled", mock.Anything, mock.AnythingOfType("time.Time"), 5).
		Return([]*domain.Campaign{broken, healthy}, nil)
	c.contacts.On("ListActiveSubscribers", mock.Anything, broken.ListID.UUID).
		Return(nil, errors.New("list query failed"))
	c.contacts.On("ListActiveSubscribers", mock.Anything, healthy.ListID.UUID).
		Return([]*domain.Contact{{ID: uuid.New(), Email: "a@example.com", Status: domain.ContactStatusActive}}, nil)
	c.messages.On("BulkCreate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.tokens.On("BulkCreate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.jobs.On("BulkEnqueue", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	claimed, err := scheduler.PromoteDueCampaigns(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, claimed)
	c.jobs.AssertNumberOfCalls(t, "BulkEnqueue", 1)
}

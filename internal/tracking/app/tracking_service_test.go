package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
)

type MockMessageRepository struct{ mock.Mock }

func (m *MockMessageRepository) BulkCreate(ctx context.Context, tx pgx.Tx, msgs []*domain.Message) error {
	return m.Called(ctx, tx, msgs).Error(0)
}

func (m *MockMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepository) GetByTrackingToken(ctx context.Context, token string) (*domain.Message, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepository) MarkSent(ctx context.Context, id uuid.UUID, transportMessageID string, sentAt time.Time) error {
	return m.Called(ctx, id, transportMessageID, sentAt).Error(0)
}

func (m *MockMessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) (bool, error) {
	args := m.Called(ctx, id, deliveredAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) MarkBounced(ctx context.Context, id uuid.UUID, errMsg string) error {
	return m.Called(ctx, id, errMsg).Error(0)
}

func (m *MockMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return m.Called(ctx, id, errMsg).Error(0)
}

func (m *MockMessageRepository) CountSentSince(ctx context.Context, since time.Time) (int64, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageRepository) CountUnfinished(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	args := m.Called(ctx, campaignID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageRepository) CountByStatusForCampaign(ctx context.Context, campaignID uuid.UUID) (map[domain.MessageStatus]int64, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[domain.MessageStatus]int64), args.Error(1)
}

func (m *MockMessageRepository) FindByCampaignAndContact(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.Message, error) {
	args := m.Called(ctx, campaignID, contactID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

type MockEventRepository struct{ mock.Mock }

func (m *MockEventRepository) Append(ctx context.Context, event *domain.Event) error {
	return m.Called(ctx, event).Error(0)
}

type MockShortLinkRepository struct{ mock.Mock }

func (m *MockShortLinkRepository) GetOrCreate(ctx context.Context, campaignID uuid.UUID, url string) (*domain.ShortLink, error) {
	args := m.Called(ctx, campaignID, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ShortLink), args.Error(1)
}

func (m *MockShortLinkRepository) GetByCode(ctx context.Context, code string) (*domain.ShortLink, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ShortLink), args.Error(1)
}

type MockUnsubscribeTokenRepository struct{ mock.Mock }

func (m *MockUnsubscribeTokenRepository) BulkCreate(ctx context.Context, tx pgx.Tx, tokens []*domain.UnsubscribeToken) error {
	return m.Called(ctx, tx, tokens).Error(0)
}

func (m *MockUnsubscribeTokenRepository) GetByToken(ctx context.Context, token string) (*domain.UnsubscribeToken, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UnsubscribeToken), args.Error(1)
}

func (m *MockUnsubscribeTokenRepository) GetForCampaignContact(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.UnsubscribeToken, error) {
	args := m.Called(ctx, campaignID, contactID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UnsubscribeToken), args.Error(1)
}

func (m *MockUnsubscribeTokenRepository) MarkUsed(ctx context.Context, token string, usedAt time.Time) error {
	return m.Called(ctx, token, usedAt).Error(0)
}

type MockContactStore struct{ mock.Mock }

func (m *MockContactStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Contact), args.Error(1)
}

func (m *MockContactStore) ListActiveSubscribers(ctx context.Context, listID uuid.UUID) ([]*domain.Contact, error) {
	args := m.Called(ctx, listID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Contact), args.Error(1)
}

func (m *MockContactStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ContactStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockContactStore) UnsubscribeFromList(ctx context.Context, contactID, listID uuid.UUID) error {
	return m.Called(ctx, contactID, listID).Error(0)
}

type trackingComponents struct {
	messages   *MockMessageRepository
	events     *MockEventRepository
	shortLinks *MockShortLinkRepository
	tokens     *MockUnsubscribeTokenRepository
	contacts   *MockContactStore
	service    *TrackingService
}

func newTestTrackingService(t *testing.T) *trackingComponents {
	t.Helper()
	c := &trackingComponents{
		messages:   new(MockMessageRepository),
		events:     new(MockEventRepository),
		shortLinks: new(MockShortLinkRepository),
		tokens:     new(MockUnsubscribeTokenRepository),
		contacts:   new(MockContactStore),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c.service = NewTrackingService(c.messages, c.events, c.shortLinks, c.tokens, c.contacts, nil, logger)
	return c
}

const humanUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15"

func TestRecordOpen_AppendsEventAndFlipsDelivered(t *testing.T) {
	c := newTestTrackingService(t)
	msg := domain.NewMessage(uuid.New(), uuid.New())
	msg.Status = domain.MessageStatusSent

	c.messages.On("GetByTrackingToken", mock.Anything, msg.TrackingToken).Return(msg, nil)
	c.events.On("Append", mock.Anything, mock.MatchedBy(func(e *domain.Event) bool {
		return e.MessageID == msg.ID && e.EventType == domain.EventTypeOpened && e.IP == "203.0.113.9"
	})).Return(nil)
	c.messages.On("MarkDelivered", mock.Anything, msg.ID, mock.AnythingOfType("time.Time")).Return(true, nil)

	c.service.RecordOpen(context.Background(), msg.TrackingToken, "203.0.113.9", humanUA)

	c.events.AssertExpectations(t)
	c.messages.AssertExpectations(t)
}

func TestRecordOpen_BotFetchLeavesNoTrace(t *testing.T) {
	c := newTestTrackingService(t)

	c.service.RecordOpen(context.Background(), uuid.NewString(), "203.0.113.9", "Googlebot/2.1 (+http://www.google.com/bot.html)")

	c.messages.AssertNotCalled(t, "GetByTrackingToken", mock.Anything, mock.Anything)
	c.events.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestRecordOpen_UnknownTokenIsSilent(t *testing.T) {
	c := newTestTrackingService(t)
	token := uuid.NewString()

	c.messages.On("GetByTrackingToken", mock.Anything, token).Return(nil, domain.ErrNotFound)

	c.service.RecordOpen(context.Background(), token, "203.0.113.9", humanUA)

	c.events.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestRecordOpen_SecondOpenAppendsEventOnly(t *testing.T) {
	c := newTestTrackingService(t)
	msg := domain.NewMessage(uuid.New(), uuid.New())
	msg.Status = domain.MessageStatusDelivered

	c.messages.On("GetByTrackingToken", mock.Anything, msg.TrackingToken).Return(msg, nil)
	c.events.On("Append", mock.Anything, mock.Anything).Return(nil)
	c.messages.On("MarkDelivered", mock.Anything, msg.ID, mock.AnythingOfType("time.Time")).Return(false, nil)

	c.service.RecordOpen(context.Background(), msg.TrackingToken, "203.0.113.9", humanUA)

	c.events.AssertNumberOfCalls(t, "Append", 1)
}

func TestResolveClick_RecordsAndReturnsDestination(t *testing.T) {
	c := newTestTrackingService(t)
	msg := domain.NewMessage(uuid.New(), uuid.New())
	link := &domain.ShortLink{
		ID:          uuid.New(),
		CampaignID:  msg.CampaignID,
		OriginalURL: "https://example.com/pricing",
		ShortCode:   "a1b2c3d4e5",
	}

	c.shortLinks.On("GetByCode", mock.Anything, link.ShortCode).Return(link, nil)
	c.messages.On("GetByTrackingToken", mock.Anything, msg.TrackingToken).Return(msg, nil)
	c.events.On("Append", mock.Anything, mock.MatchedBy(func(e *domain.Event) bool {
		return e.EventType == domain.EventTypeClicked && e.MessageID == msg.ID
	})).Return(nil)
	c.messages.On("MarkDelivered", mock.Anything, msg.ID, mock.AnythingOfType("time.Time")).Return(false, nil)

	url, err := c.service.ResolveClick(context.Background(), link.ShortCode, msg.TrackingToken, "203.0.113.9", humanUA)

	require.NoError(t, err)
	assert.Equal(t, "https://example.com/pricing", url)
	c.events.AssertExpectations(t)
}

func TestResolveClick_UnknownCode(t *testing.T) {
	c := newTestTrackingService(t)

	c.shortLinks.On("GetByCode", mock.Anything, "nope").Return(nil, domain.ErrNotFound)

	_, err := c.service.ResolveClick(context.Background(), "nope", uuid.NewString(), "", humanUA)

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveClick_UnknownTokenStillRedirects(t *testing.T) {
	c := newTestTrackingService(t)
	link := &domain.ShortLink{ShortCode: "a1b2c3d4e5", OriginalURL: "https://example.com/docs"}
	token := uuid.NewString()

	c.shortLinks.On("GetByCode", mock.Anything, link.ShortCode).Return(link, nil)
	c.messages.On("GetByTrackingToken", mock.Anything, token).Return(nil, domain.ErrNotFound)

	url, err := c.service.ResolveClick(context.Background(), link.ShortCode, token, "", humanUA)

	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs", url)
	c.events.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestUnsubscribe_ListScoped(t *testing.T) {
	c := newTestTrackingService(t)
	listID := uuid.New()
	campaignID := uuid.New()
	msg := domain.NewMessage(campaignID, uuid.New())
	tok := domain.NewUnsubscribeToken(msg.ContactID,
		uuid.NullUUID{UUID: listID, Valid: true},
		uuid.NullUUID{UUID: campaignID, Valid: true},
		24*time.Hour)

	c.tokens.On("GetByToken", mock.Anything, tok.Token).Return(tok, nil)
	c.tokens.On("MarkUsed", mock.Anything, tok.Token, mock.AnythingOfType("time.Time")).Return(nil)
	c.contacts.On("UnsubscribeFromList", mock.Anything, tok.ContactID, listID).Return(nil)
	c.messages.On("FindByCampaignAndContact", mock.Anything, campaignID, tok.ContactID).Return(msg, nil)
	c.events.On("Append", mock.Anything, mock.MatchedBy(func(e *domain.Event) bool {
		return e.EventType == domain.EventTypeUnsubscribed && e.MessageID == msg.ID
	})).Return(nil)

	require.NoError(t, c.service.Unsubscribe(context.Background(), tok.Token, "203.0.113.9", humanUA))

	c.contacts.AssertExpectations(t)
	c.contacts.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
	c.events.AssertExpectations(t)
}

func TestUnsubscribe_GlobalWhenTokenHasNoListScope(t *testing.T) {
	c := newTestTrackingService(t)
	tok := domain.NewUnsubscribeToken(uuid.New(), uuid.NullUUID{}, uuid.NullUUID{}, 24*time.Hour)

	c.tokens.On("GetByToken", mock.Anything, tok.Token).Return(tok, nil)
	c.tokens.On("MarkUsed", mock.Anything, tok.Token, mock.AnythingOfType("time.Time")).Return(nil)
	c.contacts.On("UpdateStatus", mock.Anything, tok.ContactID, domain.ContactStatusUnsubscribed).Return(nil)

	require.NoError(t, c.service.Unsubscribe(context.Background(), tok.Token, "", humanUA))

	c.contacts.AssertExpectations(t)
	c.contacts.AssertNotCalled(t, "UnsubscribeFromList", mock.Anything, mock.Anything, mock.Anything)
}

func TestUnsubscribe_ExpiredToken(t *testing.T) {
	c := newTestTrackingService(t)
	tok := domain.NewUnsubscribeToken(uuid.New(), uuid.NullUUID{}, uuid.NullUUID{}, -time.Hour)

	c.tokens.On("GetByToken", mock.Anything, tok.Token).Return(tok, nil)

	err := c.service.Unsubscribe(context.Background(), tok.Token, "", humanUA)

	assert.ErrorIs(t, err, domain.ErrTokenExpired)
	c.tokens.AssertNotCalled(t, "MarkUsed", mock.Anything, mock.Anything, mock.Anything)
}

func TestUnsubscribe_SecondUseRejected(t *testing.T) {
	c := newTestTrackingService(t)
	tok := domain.NewUnsubscribeToken(uuid.New(), uuid.NullUUID{}, uuid.NullUUID{}, 24*time.Hour)

	c.tokens.On("GetByToken", mock.Anything, tok.Token).Return(tok, nil)
	c.tokens.On("MarkUsed", mock.Anything, tok.Token, mock.AnythingOfType("time.Time")).Return(domain.ErrTokenUsed)

	err := c.service.Unsubscribe(context.Background(), tok.Token, "", humanUA)

	assert.ErrorIs(t, err, domain.ErrTokenUsed)
	c.contacts.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

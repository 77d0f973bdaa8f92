package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/render"
	"github.com/mailkite/delivery-engine/internal/delivery/transport"
)

// --- JobRepository ---

type MockJobRepository struct{ mock.Mock }

func (m *MockJobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockJobRepository) BulkEnqueue(ctx context.Context, tx pgx.Tx, jobs []*domain.Job) error {
	args := m.Called(ctx, tx, jobs)
	return args.Error(0)
}

func (m *MockJobRepository) NextPending(ctx context.Context, now time.Time, limit int, jobType domain.JobType) ([]*domain.Job, error) {
	args := m.Called(ctx, now, limit, jobType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Job), args.Error(1)
}

func (m *MockJobRepository) MarkProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	args := m.Called(ctx, id, startedAt)
	return args.Error(0)
}

func (m *MockJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	args := m.Called(ctx, id, completedAt)
	return args.Error(0)
}

func (m *MockJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryable bool, nextAttempt time.Time) error {
	args := m.Called(ctx, id, errMsg, retryable, nextAttempt)
	return args.Error(0)
}

func (m *MockJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[domain.JobStatus]int64), args.Error(1)
}

// --- MessageRepository ---

type MockMessageRepository struct{ mock.Mock }

func (m *MockMessageRepository) BulkCreate(ctx context.Context, tx pgx.Tx, msgs []*domain.Message) error {
	args := m.Called(ctx, tx, msgs)
	return args.Error(0)
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
	args := m.Called(ctx, id, transportMessageID, sentAt)
	return args.Error(0)
}

func (m *MockMessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) (bool, error) {
	args := m.Called(ctx, id, deliveredAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) MarkBounced(ctx context.Context, id uuid.UUID, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

func (m *MockMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
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

// --- CampaignStore ---

type MockCampaignStore struct{ mock.Mock }

func (m *MockCampaignStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Campaign), args.Error(1)
}

func (m *MockCampaignStore) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next domain.CampaignStatus) (bool, error) {
	args := m.Called(ctx, id, expected, next)
	return args.Bool(0), args.Error(1)
}

func (m *MockCampaignStore) ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Campaign), args.Error(1)
}

// --- ContactStore ---

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
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockContactStore) UnsubscribeFromList(ctx context.Context, contactID, listID uuid.UUID) error {
	args := m.Called(ctx, contactID, listID)
	return args.Error(0)
}

// --- TemplateStore ---

type MockTemplateStore struct{ mock.Mock }

func (m *MockTemplateStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Template), args.Error(1)
}

// --- UnsubscribeTokenRepository ---

type MockUnsubscribeTokenRepository struct{ mock.Mock }

func (m *MockUnsubscribeTokenRepository) BulkCreate(ctx context.Context, tx pgx.Tx, tokens []*domain.UnsubscribeToken) error {
	args := m.Called(ctx, tx, tokens)
	return args.Error(0)
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
	args := m.Called(ctx, token, usedAt)
	return args.Error(0)
}

// --- ShortLinkRepository ---

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

// --- Dispatcher ---

type MockDispatcher struct{ mock.Mock }

func (m *MockDispatcher) Dispatch(ctx context.Context, email *render.RenderedEmail) (*transport.Receipt, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transport.Receipt), args.Error(1)
}

// --- EventPublisher ---

type MockEventPublisher struct{ mock.Mock }

func (m *MockEventPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

// --- Transaction fakes ---

// fakeTx satisfies pgx.Tx just enough for BeginFunc: the repositories are
// mocked, so only Commit and Rollback are ever reached.
type fakeTx struct{}

func (fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return fakeTx{}, nil }
func (fakeTx) Commit(ctx context.Context) error          { return nil }
func (fakeTx) Rollback(ctx context.Context) error        { return nil }
func (fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (fakeTx) Conn() *pgx.Conn                                               { return nil }

type fakeTxBeginner struct{}

func (fakeTxBeginner) Begin(ctx context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

type pgMessageRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgMessageRepository creates the PostgreSQL-backed message ledger.
func NewPgMessageRepository(db *pgxpool.Pool, logger *slog.Logger) repository.MessageRepository {
	return &pgMessageRepository{db: db, logger: logger}
}

const messageColumns = `id, campaign_id, contact_id, transport_message_id, tracking_token, status, sent_at, delivered_at, error_message, created_at, updated_at`

func (r *pgMessageRepository) BulkCreate(ctx context.Context, tx pgx.Tx, msgs []*domain.Message) error {
	batch := &pgx.Batch{}
	for _, msg := range msgs {
		batch.Queue(`
			INSERT INTO messages (id, campaign_id, contact_id, tracking_token, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, msg.ID, msg.CampaignID, msg.ContactID, msg.TrackingToken, msg.Status, msg.CreatedAt, msg.UpdatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range msgs {
		if _, err := br.Exec(); err != nil {
			r.logger.ErrorContext(ctx, "Error bulk-creating messages", "error", err, "count", len(msgs))
			return err
		}
	}
	return nil
}

func (r *pgMessageRepository) scanOne(row pgx.Row) (*domain.Message, error) {
	msg := &domain.Message{}
	err := row.Scan(
		&msg.ID, &msg.CampaignID, &msg.ContactID, &msg.TransportMessageID,
		&msg.TrackingToken, &msg.Status, &msg.SentAt, &msg.DeliveredAt,
		&msg.ErrorMessage, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (r *pgMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	row := r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return r.scanOne(row)
}

func (r *pgMessageRepository) GetByTrackingToken(ctx context.Context, token string) (*domain.Message, error) {
	row := r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE tracking_token = $1`, token)
	return r.scanOne(row)
}

func (r *pgMessageRepository) FindByCampaignAndContact(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.Message, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE campaign_id = $1 AND contact_id = $2`,
		campaignID, contactID)
	return r.scanOne(row)
}

func (r *pgMessageRepository) MarkSent(ctx context.Context, id uuid.UUID, transportMessageID string, sentAt time.Time) error {
	query := `
		UPDATE messages
		SET status = $1, transport_message_id = $2, sent_at = $3, error_message = NULL, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	tag, err := r.db.Exec(ctx, query,
		domain.MessageStatusSent,
		sql.NullString{String: transportMessageID, Valid: transportMessageID != ""},
		sentAt, time.Now().UTC(), id, domain.MessageStatusPending)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message sent", "error", err, "message_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkDelivered is the first-open transition. The status predicate makes it
// idempotent: only the open that finds the row in status sent flips it.
func (r *pgMessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID, deliveredAt time.Time) (bool, error) {
	query := `
		UPDATE messages SET status = $1, delivered_at = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query,
		domain.MessageStatusDelivered, deliveredAt, time.Now().UTC(), id, domain.MessageStatusSent)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message delivered", "error", err, "message_id", id)
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgMessageRepository) markTerminal(ctx context.Context, id uuid.UUID, status domain.MessageStatus, errMsg string) error {
	query := `
		UPDATE messages SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	tag, err := r.db.Exec(ctx, query,
		status, sql.NullString{String: errMsg, Valid: errMsg != ""},
		time.Now().UTC(), id, domain.MessageStatusPending)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message terminal", "error", err, "message_id", id, "status", status)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgMessageRepository) MarkBounced(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.markTerminal(ctx, id, domain.MessageStatusBounced, errMsg)
}

func (r *pgMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.markTerminal(ctx, id, domain.MessageStatusFailed, errMsg)
}

func (r *pgMessageRepository) CountSentSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE sent_at IS NOT NULL AND sent_at >= $1`, since,
	).Scan(&n)
	return n, err
}

func (r *pgMessageRepository) CountUnfinished(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE campaign_id = $1 AND status = $2`,
		campaignID, domain.MessageStatusPending,
	).Scan(&n)
	return n, err
}

func (r *pgMessageRepository) CountByStatusForCampaign(ctx context.Context, campaignID uuid.UUID) (map[domain.MessageStatus]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.MessageStatus]int64)
	for rows.Next() {
		var status domain.MessageStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

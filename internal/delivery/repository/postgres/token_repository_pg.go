package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

type pgUnsubscribeTokenRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgUnsubscribeTokenRepository creates the PostgreSQL-backed token store.
func NewPgUnsubscribeTokenRepository(db *pgxpool.Pool, logger *slog.Logger) repository.UnsubscribeTokenRepository {
	return &pgUnsubscribeTokenRepository{db: db, logger: logger}
}

func (r *pgUnsubscribeTokenRepository) BulkCreate(ctx context.Context, tx pgx.Tx, tokens []*domain.UnsubscribeToken) error {
	batch := &pgx.Batch{}
	for _, tok := range tokens {
		batch.Queue(`
			INSERT INTO unsubscribe_tokens (token, contact_id, list_id, campaign_id, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, tok.Token, tok.ContactID, tok.ListID, tok.CampaignID, tok.ExpiresAt, tok.CreatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range tokens {
		if _, err := br.Exec(); err != nil {
			r.logger.ErrorContext(ctx, "Error bulk-creating unsubscribe tokens", "error", err, "count", len(tokens))
			return err
		}
	}
	return nil
}

func (r *pgUnsubscribeTokenRepository) GetByToken(ctx context.Context, token string) (*domain.UnsubscribeToken, error) {
	tok := &domain.UnsubscribeToken{}
	err := r.db.QueryRow(ctx, `
		SELECT token, contact_id, list_id, campaign_id, expires_at, used_at, created_at
		FROM unsubscribe_tokens WHERE token = $1
	`, token).Scan(
		&tok.Token, &tok.ContactID, &tok.ListID, &tok.CampaignID,
		&tok.ExpiresAt, &tok.UsedAt, &tok.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return tok, nil
}

func (r *pgUnsubscribeTokenRepository) GetForCampaignContact(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.UnsubscribeToken, error) {
	tok := &domain.UnsubscribeToken{}
	err := r.db.QueryRow(ctx, `
		SELECT token, contact_id, list_id, campaign_id, expires_at, used_at, created_at
		FROM unsubscribe_tokens
		WHERE campaign_id = $1 AND contact_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, campaignID, contactID).Scan(
		&tok.Token, &tok.ContactID, &tok.ListID, &tok.CampaignID,
		&tok.ExpiresAt, &tok.UsedAt, &tok.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return tok, nil
}

// MarkUsed consumes the token exactly once: the used_at predicate loses the
// race for any second caller.
func (r *pgUnsubscribeTokenRepository) MarkUsed(ctx context.Context, token string, usedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE unsubscribe_tokens SET used_at = $1 WHERE token = $2 AND used_at IS NULL
	`, usedAt, token)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error consuming unsubscribe token", "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTokenUsed
	}
	return nil
}

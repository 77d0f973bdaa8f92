package postgres

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

type pgShortLinkRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgShortLinkRepository creates the PostgreSQL-backed short link store.
func NewPgShortLinkRepository(db *pgxpool.Pool, logger *slog.Logger) repository.ShortLinkRepository {
	return &pgShortLinkRepository{db: db, logger: logger}
}

func newShortCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// GetOrCreate relies on the unique (campaign_id, original_url) index: the
// insert is a no-op when the pair exists and the follow-up select returns
// whichever row won.
func (r *pgShortLinkRepository) GetOrCreate(ctx context.Context, campaignID uuid.UUID, url string) (*domain.ShortLink, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO short_links (id, campaign_id, original_url, short_code, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (campaign_id, original_url) DO NOTHING
	`, uuid.New(), campaignID, url, newShortCode(), time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting short link", "error", err, "campaign_id", campaignID)
		return nil, err
	}

	link := &domain.ShortLink{}
	err = r.db.QueryRow(ctx, `
		SELECT id, campaign_id, original_url, short_code, created_at
		FROM short_links WHERE campaign_id = $1 AND original_url = $2
	`, campaignID, url).Scan(&link.ID, &link.CampaignID, &link.OriginalURL, &link.ShortCode, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return link, nil
}

func (r *pgShortLinkRepository) GetByCode(ctx context.Context, code string) (*domain.ShortLink, error) {
	link := &domain.ShortLink{}
	err := r.db.QueryRow(ctx, `
		SELECT id, campaign_id, original_url, short_code, created_at
		FROM short_links WHERE short_code = $1
	`, code).Scan(&link.ID, &link.CampaignID, &link.OriginalURL, &link.ShortCode, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return link, nil
}

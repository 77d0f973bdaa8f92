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

type pgCampaignStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgCampaignStore creates the engine's view of the CRUD layer's
// campaigns table.
func NewPgCampaignStore(db *pgxpool.Pool, logger *slog.Logger) repository.CampaignStore {
	return &pgCampaignStore{db: db, logger: logger}
}

const campaignColumns = `id, name, template_id, list_id, from_name, from_email, reply_to, status, scheduled_at`

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.TemplateID, &c.ListID,
		&c.FromName, &c.FromEmail, &c.ReplyTo, &c.Status, &c.ScheduledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *pgCampaignStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// TransitionStatus is the compare-and-swap the scheduler and orchestrator
// dedup on.
func (r *pgCampaignStore) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next domain.CampaignStatus) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, domain.ErrInvalidTransition
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE campaigns SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		next, time.Now().UTC(), id, expected)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error transitioning campaign status", "error", err,
			"campaign_id", id, "from", expected, "to", next)
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimDueScheduled flips due campaigns to sending and returns them. The
// flip happens before orchestration, so a second poll tick cannot pick up
// the same campaign.
func (r *pgCampaignStore) ClaimDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	query := `
		WITH due AS (
			SELECT id FROM campaigns
			WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
			ORDER BY scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE campaigns c
		SET status = $4, updated_at = $5
		FROM due
		WHERE c.id = due.id
		RETURNING c.id, c.name, c.template_id, c.list_id, c.from_name, c.from_email, c.reply_to, c.status, c.scheduled_at
	`
	rows, err := r.db.Query(ctx, query,
		domain.CampaignStatusScheduled, now, limit, domain.CampaignStatusSending, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error claiming due scheduled campaigns", "error", err)
		return nil, err
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		c := &domain.Campaign{}
		if err := rows.Scan(
			&c.ID, &c.Name, &c.TemplateID, &c.ListID,
			&c.FromName, &c.FromEmail, &c.ReplyTo, &c.Status, &c.ScheduledAt,
		); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

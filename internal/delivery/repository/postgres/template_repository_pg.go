package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

type pgTemplateStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgTemplateStore creates the engine's read-only view of templates.
func NewPgTemplateStore(db *pgxpool.Pool, logger *slog.Logger) repository.TemplateStore {
	return &pgTemplateStore{db: db, logger: logger}
}

func (r *pgTemplateStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	t := &domain.Template{}
	err := r.db.QueryRow(ctx,
		`SELECT id, name, subject, body, type FROM templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Subject, &t.Body, &t.Type)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

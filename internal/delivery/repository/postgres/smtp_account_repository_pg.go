package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

type pgSMTPAccountStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgSMTPAccountStore creates the engine's read-only view of SMTP
// accounts.
func NewPgSMTPAccountStore(db *pgxpool.Pool, logger *slog.Logger) repository.SMTPAccountStore {
	return &pgSMTPAccountStore{db: db, logger: logger}
}

// GetActive returns the account flagged active. The engine always sends
// through this account; switching accounts is an operator action in the
// CRUD layer.
func (r *pgSMTPAccountStore) GetActive(ctx context.Context) (*domain.SMTPAccount, error) {
	a := &domain.SMTPAccount{}
	err := r.db.QueryRow(ctx, `
		SELECT id, name, host, port, username, password, use_tls, active
		FROM smtp_accounts WHERE active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`).Scan(&a.ID, &a.Name, &a.Host, &a.Port, &a.Username, &a.Password, &a.UseTLS, &a.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

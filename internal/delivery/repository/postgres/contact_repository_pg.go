package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

type pgContactStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgContactStore creates the engine's view of the CRUD layer's contacts
// and list memberships.
func NewPgContactStore(db *pgxpool.Pool, logger *slog.Logger) repository.ContactStore {
	return &pgContactStore{db: db, logger: logger}
}

func scanContact(row pgx.Row) (*domain.Contact, error) {
	c := &domain.Contact{}
	var customFields []byte
	err := row.Scan(&c.ID, &c.Email, &c.Name, &c.Status, &customFields)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(customFields) > 0 {
		if err := json.Unmarshal(customFields, &c.CustomFields); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (r *pgContactStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, email, name, status, custom_fields FROM contacts WHERE id = $1`, id)
	return scanContact(row)
}

// ListActiveSubscribers excludes bounced and unsubscribed contacts at both
// levels: global contact status and per-list membership.
func (r *pgContactStore) ListActiveSubscribers(ctx context.Context, listID uuid.UUID) ([]*domain.Contact, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.email, c.name, c.status, c.custom_fields
		FROM contacts c
		JOIN list_contacts lc ON lc.contact_id = c.id
		WHERE lc.list_id = $1 AND lc.status = $2 AND c.status = $3
		ORDER BY c.created_at ASC
	`, listID, domain.SubscriptionStatusSubscribed, domain.ContactStatusActive)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing active subscribers", "error", err, "list_id", listID)
		return nil, err
	}
	defer rows.Close()

	var contacts []*domain.Contact
	for rows.Next() {
		c := &domain.Contact{}
		var customFields []byte
		if err := rows.Scan(&c.ID, &c.Email, &c.Name, &c.Status, &customFields); err != nil {
			return nil, err
		}
		if len(customFields) > 0 {
			if err := json.Unmarshal(customFields, &c.CustomFields); err != nil {
				return nil, err
			}
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *pgContactStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ContactStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE contacts SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating contact status", "error", err, "contact_id", id, "status", status)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgContactStore) UnsubscribeFromList(ctx context.Context, contactID, listID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE list_contacts SET status = $1, updated_at = $2 WHERE contact_id = $3 AND list_id = $4`,
		domain.SubscriptionStatusUnsubscribed, time.Now().UTC(), contactID, listID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error unsubscribing contact from list", "error", err,
			"contact_id", contactID, "list_id", listID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

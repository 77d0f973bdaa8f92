package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

type pgEventRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgEventRepository creates the PostgreSQL-backed event log. Append only;
// there are no update or delete paths.
func NewPgEventRepository(db *pgxpool.Pool, logger *slog.Logger) repository.EventRepository {
	return &pgEventRepository{db: db, logger: logger}
}

func (r *pgEventRepository) Append(ctx context.Context, event *domain.Event) error {
	query := `
		INSERT INTO events (id, message_id, event_type, event_data, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID, event.MessageID, event.EventType, event.EventData,
		event.IP, event.UserAgent, event.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error appending event", "error", err,
			"message_id", event.MessageID, "event_type", event.EventType)
		return err
	}
	return nil
}

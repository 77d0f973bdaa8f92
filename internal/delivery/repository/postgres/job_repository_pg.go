package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

type pgJobRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPgJobRepository creates the PostgreSQL-backed job store.
func NewPgJobRepository(db *pgxpool.Pool, logger *slog.Logger) repository.JobRepository {
	return &pgJobRepository{db: db, logger: logger}
}

const insertJobQuery = `
	INSERT INTO jobs (id, job_type, payload, status, priority, scheduled_at, retry_count, max_retries, error_message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func (r *pgJobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	_, err := r.db.Exec(ctx, insertJobQuery,
		job.ID, job.JobType, job.Payload, job.Status, job.Priority,
		job.ScheduledAt, job.RetryCount, job.MaxRetries, job.ErrorMessage, job.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error enqueueing job", "error", err, "job_id", job.ID)
		return err
	}
	return nil
}

func (r *pgJobRepository) BulkEnqueue(ctx context.Context, tx pgx.Tx, jobs []*domain.Job) error {
	batch := &pgx.Batch{}
	for _, job := range jobs {
		batch.Queue(insertJobQuery,
			job.ID, job.JobType, job.Payload, job.Status, job.Priority,
			job.ScheduledAt, job.RetryCount, job.MaxRetries, job.ErrorMessage, job.CreatedAt,
		)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range jobs {
		if _, err := br.Exec(); err != nil {
			r.logger.ErrorContext(ctx, "Error bulk-enqueueing jobs", "error", err, "count", len(jobs))
			return err
		}
	}
	return nil
}

func (r *pgJobRepository) NextPending(ctx context.Context, now time.Time, limit int, jobType domain.JobType) ([]*domain.Job, error) {
	query := `
		SELECT id, job_type, payload, status, priority, scheduled_at, retry_count, max_retries, error_message, created_at, started_at, completed_at
		FROM jobs
		WHERE status = $1 AND scheduled_at <= $2
	`
	args := []any{domain.JobStatusPending, now}
	if jobType != "" {
		query += ` AND job_type = $3`
		args = append(args, jobType)
	}
	query += fmt.Sprintf(` ORDER BY priority DESC, scheduled_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error querying pending jobs", "error", err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job := &domain.Job{}
		var payload []byte
		if err := rows.Scan(
			&job.ID, &job.JobType, &payload, &job.Status, &job.Priority,
			&job.ScheduledAt, &job.RetryCount, &job.MaxRetries, &job.ErrorMessage,
			&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning pending job row", "error", err)
			return nil, err
		}
		job.Payload = json.RawMessage(payload)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, domain.ErrNoDueJobs
	}
	return jobs, nil
}

// MarkProcessing is the claim: the status predicate makes a double poll of
// the same job a no-op for the loser.
func (r *pgJobRepository) MarkProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE jobs SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, domain.JobStatusProcessing, startedAt, id, domain.JobStatusPending)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking job processing", "error", err, "job_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	query := `
		UPDATE jobs SET status = $1, completed_at = $2, error_message = NULL
		WHERE id = $3 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, domain.JobStatusCompleted, completedAt, id, domain.JobStatusProcessing)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking job completed", "error", err, "job_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed applies the retry policy in one statement. A retryable failure
// inside the budget resets the job to pending at nextAttempt; anything else
// fails it permanently. retry_count only ever grows toward max_retries.
func (r *pgJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryable bool, nextAttempt time.Time) error {
	now := time.Now().UTC()
	errVal := sql.NullString{String: errMsg, Valid: errMsg != ""}

	var tag pgconn.CommandTag
	var err error
	if retryable {
		query := `
			UPDATE jobs SET
				retry_count = LEAST(retry_count + 1, max_retries),
				status = CASE WHEN retry_count + 1 <= max_retries THEN $1::text ELSE $2::text END,
				scheduled_at = CASE WHEN retry_count + 1 <= max_retries THEN $3 ELSE scheduled_at END,
				completed_at = CASE WHEN retry_count + 1 <= max_retries THEN NULL ELSE $4 END,
				error_message = $5
			WHERE id = $6
		`
		tag, err = r.db.Exec(ctx, query,
			domain.JobStatusPending, domain.JobStatusFailed, nextAttempt, now, errVal, id)
	} else {
		query := `
			UPDATE jobs SET status = $1, completed_at = $2, error_message = $3
			WHERE id = $4
		`
		tag, err = r.db.Exec(ctx, query, domain.JobStatusFailed, now, errVal, id)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking job failed", "error", err, "job_id", id, "retryable", retryable)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Job not found for failure update", "job_id", id)
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

package postgres_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository/postgres"
)

// testPool connects to the database named by TEST_POSTGRES_DSN. The DSN must
// point at a database with the migrations applied; without it the tests in
// this package are skipped.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestMarkFailed_RetryableWithinBudgetGoesBackToPending(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := postgres.NewPgJobRepository(pool, logger)

	job := domain.NewJob(domain.JobTypeSendEmail, json.RawMessage(`{}`), 0, 3, time.Now().UTC())
	require.NoError(t, repo.Enqueue(ctx, job))
	t.Cleanup(func() { pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID) })

	nextAttempt := time.Now().UTC().Add(2 * time.Minute)
	require.NoError(t, repo.MarkFailed(ctx, job.ID, "greylisted", true, nextAttempt))

	var status string
	var retryCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, retry_count FROM jobs WHERE id = $1`, job.ID).Scan(&status, &retryCount))
	assert.Equal(t, string(domain.JobStatusPending), status)
	assert.Equal(t, 1, retryCount)
}

func TestMarkFailed_ExhaustedBudgetKeepsRetryCountAtMax(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := postgres.NewPgJobRepository(pool, logger)

	job := domain.NewJob(domain.JobTypeSendEmail, json.RawMessage(`{}`), 0, 3, time.Now().UTC())
	job.RetryCount = 3
	require.NoError(t, repo.Enqueue(ctx, job))
	t.Cleanup(func() { pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID) })

	nextAttempt := time.Now().UTC().Add(2 * time.Minute)
	require.NoError(t, repo.MarkFailed(ctx, job.ID, "mailbox full", true, nextAttempt))

	var status string
	var retryCount, maxRetries int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, retry_count, max_retries FROM jobs WHERE id = $1`, job.ID).Scan(&status, &retryCount, &maxRetries))
	assert.Equal(t, string(domain.JobStatusFailed), status)
	assert.Equal(t, maxRetries, retryCount)
}

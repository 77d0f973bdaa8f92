package domain

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// CanTransitionTo reports whether a job may move from s to next.
// Completed and failed are terminal, except failed → pending on a
// scheduled retry.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusPending
	case JobStatusFailed:
		return next == JobStatusPending
	default:
		return false
	}
}

// JobType discriminates job payloads.
type JobType string

const (
	JobTypeSendEmail JobType = "send_email"
)

// Job is one durable unit of work owned by the job store.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	JobType      JobType         `json:"job_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage sql.NullString  `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    sql.NullTime    `json:"started_at,omitempty"`
	CompletedAt  sql.NullTime    `json:"completed_at,omitempty"`
}

// NewJob creates a pending job scheduled at scheduledAt.
func NewJob(jobType JobType, payload json.RawMessage, priority, maxRetries int, scheduledAt time.Time) *Job {
	return &Job{
		ID:          uuid.New(),
		JobType:     jobType,
		Payload:     payload,
		Status:      JobStatusPending,
		Priority:    priority,
		ScheduledAt: scheduledAt,
		RetryCount:  0,
		MaxRetries:  maxRetries,
		CreatedAt:   time.Now().UTC(),
	}
}

// NextRetryAt computes the backoff schedule for the given retry number:
// baseMinutes^retry doubling, i.e. 2, 4, 8 minutes for base 2. No jitter;
// coinciding retries are an accepted tradeoff.
func NextRetryAt(now time.Time, baseMinutes, retry int) time.Time {
	minutes := baseMinutes
	for i := 1; i < retry; i++ {
		minutes *= 2
	}
	return now.Add(time.Duration(minutes) * time.Minute)
}

// SendEmailPayload is the payload for JobTypeSendEmail. The job references
// the ledger row rather than carrying rendered content; rendering happens
// at dispatch time.
type SendEmailPayload struct {
	MessageID  uuid.UUID `json:"message_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
}

// ToJSON marshals the payload to json.RawMessage.
func (p *SendEmailPayload) ToJSON() (json.RawMessage, error) {
	return json.Marshal(p)
}

// FromJSON unmarshals json.RawMessage into the payload.
func (p *SendEmailPayload) FromJSON(data json.RawMessage) error {
	return json.Unmarshal(data, p)
}

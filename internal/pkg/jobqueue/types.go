package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType names the handler a job is dispatched to.
type JobType string

const (
	JobTypeUsageRefund        JobType = "usage_refund"
	JobTypeReconcilePurchases JobType = "reconcile_purchases"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is the envelope stored under JobKeyPrefix+ID. Payload holds the
// JSON of one of the *JobPayload types.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RetryAt     *time.Time      `json:"retry_at,omitempty"`
	ErrorMsg    string          `json:"error_msg,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
}

// UsageRefundJobPayload names the usage charge to reverse.
type UsageRefundJobPayload struct {
	ChargeID string `json:"charge_id"`
}

// ReconcilePurchasesJobPayload carries the age after which a pending
// purchase counts as stale.
type ReconcilePurchasesJobPayload struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

func newJob(id string, jobType JobType, payload interface{}, maxRetries int, now time.Time) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return &Job{
		ID:         id,
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    raw,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: maxRetries,
	}, nil
}

// decodePayload reads the job payload into T.
func decodePayload[T any](job *Job) (T, error) {
	var payload T
	if len(job.Payload) == 0 {
		return payload, fmt.Errorf("job %s has no payload", job.ID)
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("invalid %s payload: %w", job.Type, err)
	}
	return payload, nil
}

// IsRetryable reports whether a failed job has attempts left.
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// RetryDelay is the wait before attempt RetryCount+1. It grows linearly
// with the number of failed attempts.
func (j *Job) RetryDelay(base time.Duration) time.Duration {
	if j.RetryCount < 1 {
		return base
	}
	return base * time.Duration(j.RetryCount)
}

func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
	j.RetryAt = nil
}

func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed records a failed attempt.
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying parks the job until at.
func (j *Job) MarkAsRetrying(at time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
	j.RetryAt = &at
}

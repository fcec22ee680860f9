package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusFailed     JobStatus = "failed"
)

// Job names. Chain jobs carry a ChainEvent payload, request jobs carry the
// payload type named next to them.
const (
	JobChainAttack        = "chain.attack"
	JobChainBuy           = "chain.buy"
	JobChainSell          = "chain.sell"
	JobChainReferralBound = "chain.referral_bound"

	JobAttackRequested   = "attack.requested"   // AttackRequested
	JobTradeRequested    = "trade.requested"    // TradeRequested
	JobReferralRequested = "referral.requested" // ReferralRequested
	JobAnalytics         = "analytics.recorded" // AnalyticsRecorded
)

// Job is a durable unit of work. Its ID is deterministic so that repeated
// enqueues of the same fact collapse onto one row.
type Job struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LockedUntil   *time.Time      `json:"-"`
	LastError     *string         `json:"last_error,omitempty"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// CanRetry reports whether the attempt in progress, which Attempts does not
// count yet, may fail without exhausting the job.
func (j *Job) CanRetry() bool {
	return j.Attempts+1 < j.MaxAttempts
}

func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

func (j *Job) MarkAsCompleted(completedAt time.Time) {
	j.Status = JobStatusCompleted
	j.Attempts++
	j.CompletedAt = &completedAt
	j.NextAttemptAt = nil
	j.LockedUntil = nil
	j.UpdatedAt = completedAt
}

func (j *Job) MarkAsRetrying(nextAttempt time.Time, lastError string) {
	j.Status = JobStatusRetrying
	j.Attempts++
	j.NextAttemptAt = &nextAttempt
	j.LastError = &lastError
	j.LockedUntil = nil
	j.UpdatedAt = time.Now()
}

func (j *Job) MarkAsFailed(lastError string) {
	j.Status = JobStatusFailed
	j.Attempts++
	j.LastError = &lastError
	j.NextAttemptAt = nil
	j.LockedUntil = nil
	j.UpdatedAt = time.Now()
}

package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// Policy schedules failed jobs with capped exponential backoff.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	// MaxAttempts applies to jobs stored without their own limit.
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Minute,
		Multiplier:      2.0,
		Jitter:          0.1,
		MaxAttempts:     5,
	}
}

// Backoff is the wait after the given failed attempt, counted from 1.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	return time.Duration(delay)
}

// NextAttempt decides when job runs again after the attempt in progress
// failed. It returns false when that attempt was the job's last.
func (p Policy) NextAttempt(now time.Time, job *domain.Job) (time.Time, bool) {
	j := *job
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = p.MaxAttempts
	}
	if !j.CanRetry() {
		return time.Time{}, false
	}
	return now.Add(p.Backoff(j.Attempts + 1)), true
}

package domain

import (
	"fmt"
	"time"
)

// RecordStatus is the lifecycle state of an idempotency record.
// There is deliberately no failed state: failures delete the record.
type RecordStatus string

const (
	RecordStatusPending   RecordStatus = "PENDING"
	RecordStatusSucceeded RecordStatus = "SUCCEEDED"
)

// CachedResponse is the HTTP-level result stored on a succeeded record.
type CachedResponse struct {
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
}

// IdempotencyRecord tracks one logical mutation attempt.
type IdempotencyRecord struct {
	Key         string          `json:"key"`
	Status      RecordStatus    `json:"status"`
	Token       string          `json:"-"`
	Response    *CachedResponse `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

func (r *IdempotencyRecord) IsPending() bool {
	return r.Status == RecordStatusPending
}

func (r *IdempotencyRecord) IsSucceeded() bool {
	return r.Status == RecordStatusSucceeded
}

// IsExpired reports whether a succeeded record is past its result TTL.
// Pending records never expire on their own; see IsStuck.
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return r.Status == RecordStatusSucceeded && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// IsStuck reports whether a pending record was taken at or before cutoff,
// the crash-recovery horizon.
func (r *IdempotencyRecord) IsStuck(cutoff time.Time) bool {
	return r.Status == RecordStatusPending && !r.CreatedAt.After(cutoff)
}

// MarkAsSucceeded promotes a pending record, attaching the cached response.
func (r *IdempotencyRecord) MarkAsSucceeded(resp CachedResponse, now time.Time, ttl time.Duration) {
	expires := now.Add(ttl)
	r.Status = RecordStatusSucceeded
	r.Response = &resp
	r.CompletedAt = &now
	r.ExpiresAt = &expires
}

// RecordLock is the handle returned by a successful begin. Only its holder
// may commit or clear the record.
type RecordLock struct {
	Key        string
	Token      string
	AcquiredAt time.Time
}

// DefaultAgeBuckets are the upper bounds used when reporting record ages.
var DefaultAgeBuckets = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// AgeBucket counts records whose age falls in [MinAge, MaxAge).
// A zero MaxAge means the bucket is open-ended.
type AgeBucket struct {
	MinAge time.Duration `json:"-"`
	MaxAge time.Duration `json:"-"`
	Label  string        `json:"label"`
	Count  int64         `json:"count"`
}

// StatusStatistics summarises records of a single status.
type StatusStatistics struct {
	Total   int64       `json:"total"`
	Buckets []AgeBucket `json:"buckets"`
}

// RecordStatistics is the read-only report served to operators.
// Pending ages are measured from creation, succeeded ages from commit.
type RecordStatistics struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Pending     StatusStatistics `json:"pending"`
	Succeeded   StatusStatistics `json:"succeeded"`
	Stuck       int64            `json:"stuck"`
	Expired     int64            `json:"expired"`
}

// NewAgeBuckets builds empty buckets from sorted upper bounds.
func NewAgeBuckets(bounds []time.Duration) []AgeBucket {
	buckets := make([]AgeBucket, 0, len(bounds)+1)
	var lower time.Duration
	for _, upper := range bounds {
		buckets = append(buckets, AgeBucket{
			MinAge: lower,
			MaxAge: upper,
			Label:  bucketLabel(lower, upper),
		})
		lower = upper
	}
	buckets = append(buckets, AgeBucket{MinAge: lower, Label: bucketLabel(lower, 0)})
	return buckets
}

// BucketIndex returns the index of the bucket an age falls into.
func BucketIndex(buckets []AgeBucket, age time.Duration) int {
	for i, b := range buckets {
		if b.MaxAge == 0 || age < b.MaxAge {
			return i
		}
	}
	return len(buckets) - 1
}

func bucketLabel(lower, upper time.Duration) string {
	switch {
	case upper == 0:
		return fmt.Sprintf(">=%s", lower)
	case lower == 0:
		return fmt.Sprintf("<%s", upper)
	default:
		return fmt.Sprintf("%s-%s", lower, upper)
	}
}

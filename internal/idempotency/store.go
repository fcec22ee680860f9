package idempotency

import (
	"context"
	"time"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// Store is the shared record store. All implementations must make Begin a
// single atomic create-if-absent; errors reaching the store wrap
// domain.ErrStoreUnavailable.
type Store interface {
	// Begin creates a PENDING record iff none exists. It returns nil, nil
	// when a record of any status is already present.
	Begin(ctx context.Context, key string) (*domain.RecordLock, error)
	// Load returns the record, or nil, nil when absent or expired.
	Load(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// Commit promotes the holder's PENDING record to SUCCEEDED.
	// It returns domain.ErrLockLost when the lock is no longer held.
	Commit(ctx context.Context, lock *domain.RecordLock, resp domain.CachedResponse) error
	// Clear deletes the holder's record so a retry can start fresh.
	Clear(ctx context.Context, lock *domain.RecordLock) error
}

// MaintenanceStore is implemented by stores the Janitor can reap.
type MaintenanceStore interface {
	// DeleteExpired examines up to limit SUCCEEDED records past their TTL and
	// removes them. more reports that a full batch was examined, so another
	// call may find further candidates even when few keys were removed.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (removed []string, more bool, err error)
	// DeleteStuck is DeleteExpired for PENDING records created at or before cutoff.
	DeleteStuck(ctx context.Context, cutoff time.Time, limit int) (removed []string, more bool, err error)
	// Statistics counts records by status and age bucket.
	Statistics(ctx context.Context, now time.Time, bounds []time.Duration, stuckAfter time.Duration) (domain.RecordStatistics, error)
}

package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// MemoryStore keeps records in process memory.
//
// It is a single-instance fallback for development and tests only: records
// are not shared between processes, so running more than one gateway
// instance against it gives no cross-instance protection.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
	ttl     time.Duration
	clock   clock.Clock
}

func NewMemoryStore(ttl time.Duration, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		records: make(map[string]*domain.IdempotencyRecord),
		ttl:     ttl,
		clock:   clk,
	}
}

func (s *MemoryStore) Begin(ctx context.Context, key string) (*domain.RecordLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if rec, ok := s.records[key]; ok && !rec.IsExpired(now) {
		return nil, nil
	}

	token := uuid.NewString()
	s.records[key] = &domain.IdempotencyRecord{
		Key:       key,
		Status:    domain.RecordStatusPending,
		Token:     token,
		CreatedAt: now,
	}
	return &domain.RecordLock{Key: key, Token: token, AcquiredAt: now}, nil
}

func (s *MemoryStore) Load(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.IsExpired(s.clock.Now()) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Commit(ctx context.Context, lock *domain.RecordLock, resp domain.CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[lock.Key]
	if !ok || rec.Token != lock.Token || !rec.IsPending() {
		return domain.ErrLockLost
	}
	rec.MarkAsSucceeded(resp, s.clock.Now(), s.ttl)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, lock *domain.RecordLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[lock.Key]
	if !ok || rec.Token != lock.Token {
		return domain.ErrLockLost
	}
	delete(s.records, lock.Key)
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]string, bool, error) {
	keys, more := s.deleteWhere(limit, func(rec *domain.IdempotencyRecord) bool {
		return rec.IsExpired(now)
	})
	return keys, more, nil
}

func (s *MemoryStore) DeleteStuck(ctx context.Context, cutoff time.Time, limit int) ([]string, bool, error) {
	keys, more := s.deleteWhere(limit, func(rec *domain.IdempotencyRecord) bool {
		return rec.IsStuck(cutoff)
	})
	return keys, more, nil
}

func (s *MemoryStore) deleteWhere(limit int, match func(*domain.IdempotencyRecord) bool) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, rec := range s.records {
		if match(rec) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	more := false
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		more = true
	}
	for _, key := range keys {
		delete(s.records, key)
	}
	return keys, more
}

func (s *MemoryStore) Statistics(ctx context.Context, now time.Time, bounds []time.Duration, stuckAfter time.Duration) (domain.RecordStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.RecordStatistics{
		GeneratedAt: now,
		Pending:     domain.StatusStatistics{Buckets: domain.NewAgeBuckets(bounds)},
		Succeeded:   domain.StatusStatistics{Buckets: domain.NewAgeBuckets(bounds)},
	}

	stuckCutoff := now.Add(-stuckAfter)
	for _, rec := range s.records {
		switch rec.Status {
		case domain.RecordStatusPending:
			age := now.Sub(rec.CreatedAt)
			stats.Pending.Total++
			stats.Pending.Buckets[domain.BucketIndex(stats.Pending.Buckets, age)].Count++
			if rec.IsStuck(stuckCutoff) {
				stats.Stuck++
			}
		case domain.RecordStatusSucceeded:
			completed := rec.CreatedAt
			if rec.CompletedAt != nil {
				completed = *rec.CompletedAt
			}
			stats.Succeeded.Total++
			stats.Succeeded.Buckets[domain.BucketIndex(stats.Succeeded.Buckets, now.Sub(completed))].Count++
			if rec.IsExpired(now) {
				stats.Expired++
			}
		}
	}
	return stats, nil
}

// Len returns the number of records held, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

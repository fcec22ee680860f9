package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// RedisStore keeps each record in a hash and maintains two sorted-set
// indexes (pending by creation time, succeeded by commit time) so the
// janitor can find candidates without scanning the keyspace.
//
// Every state transition is a Lua script, so check and write happen in one
// atomic step on the server. Succeeded records also carry a native PEXPIRE.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

type RedisStoreConfig struct {
	Prefix    string
	ResultTTL time.Duration
}

func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Prefix:    "idem:",
		ResultTTL: 24 * time.Hour,
	}
}

func NewRedisStore(client *redis.Client, config RedisStoreConfig, clk clock.Clock) *RedisStore {
	if config.Prefix == "" {
		config.Prefix = "idem:"
	}
	if config.ResultTTL == 0 {
		config.ResultTTL = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		ttl:    config.ResultTTL,
		clock:  clk,
	}
}

// beginScript creates the pending record only when the key is absent or
// holds a succeeded result past expires_at. Returns 1 when created, 0 when a
// live record already exists.
var beginScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
    if redis.call('HGET', KEYS[1], 'status') ~= 'SUCCEEDED' or not expires or expires > tonumber(ARGV[2]) then
        return 0
    end
    redis.call('DEL', KEYS[1])
    redis.call('ZREM', KEYS[3], ARGV[3])
end
redis.call('HSET', KEYS[1], 'status', 'PENDING', 'token', ARGV[1], 'created_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// commitScript promotes the record iff the caller's token still owns it.
var commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
    return 0
end
if redis.call('HGET', KEYS[1], 'status') ~= 'PENDING' then
    return 0
end
redis.call('HSET', KEYS[1],
    'status', 'SUCCEEDED',
    'completed_at', ARGV[2],
    'expires_at', ARGV[3],
    'code', ARGV[6],
    'content_type', ARGV[7],
    'headers', ARGV[8],
    'body', ARGV[9])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[5])
return 1
`)

// clearScript deletes the record iff the caller's token still owns it.
var clearScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
    return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// reapStuckScript deletes a pending record created at or before the cutoff.
// Returns 1 when deleted, 2 when only a stale index entry was pruned.
var reapStuckScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'PENDING' then
    local created = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
    if created and created <= tonumber(ARGV[1]) then
        redis.call('DEL', KEYS[1])
        redis.call('ZREM', KEYS[2], ARGV[2])
        return 1
    end
    return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
return 2
`)

// reapExpiredScript deletes an expired succeeded record (if PEXPIRE has not
// already) and prunes its index entry.
var reapExpiredScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'SUCCEEDED' then
    local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
    if expires and expires > tonumber(ARGV[1]) then
        return 0
    end
    redis.call('DEL', KEYS[1])
end
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

func (s *RedisStore) recordKey(key string) string {
	return s.prefix + "rec:" + key
}

func (s *RedisStore) pendingIndex() string {
	return s.prefix + "idx:pending"
}

func (s *RedisStore) succeededIndex() string {
	return s.prefix + "idx:succeeded"
}

func (s *RedisStore) Begin(ctx context.Context, key string) (*domain.RecordLock, error) {
	now := s.clock.Now()
	token := uuid.NewString()

	created, err := beginScript.Run(ctx, s.client,
		[]string{s.recordKey(key), s.pendingIndex(), s.succeededIndex()},
		token, now.UnixMilli(), key,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", domain.ErrStoreUnavailable, err)
	}
	if created == 0 {
		return nil, nil
	}
	return &domain.RecordLock{Key: key, Token: token, AcquiredAt: now}, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", domain.ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec, err := decodeRecord(key, fields)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(s.clock.Now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *RedisStore) Commit(ctx context.Context, lock *domain.RecordLock, resp domain.CachedResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	now := s.clock.Now()
	ok, err := commitScript.Run(ctx, s.client,
		[]string{s.recordKey(lock.Key), s.pendingIndex(), s.succeededIndex()},
		lock.Token,
		now.UnixMilli(),
		now.Add(s.ttl).UnixMilli(),
		s.ttl.Milliseconds(),
		lock.Key,
		resp.StatusCode,
		resp.ContentType,
		string(headers),
		string(resp.Body),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrStoreUnavailable, err)
	}
	if ok == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, lock *domain.RecordLock) error {
	ok, err := clearScript.Run(ctx, s.client,
		[]string{s.recordKey(lock.Key), s.pendingIndex()},
		lock.Token, lock.Key,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: clear: %w", domain.ErrStoreUnavailable, err)
	}
	if ok == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]string, bool, error) {
	cutoff := now.Add(-s.ttl).UnixMilli()
	candidates, err := s.client.ZRangeByScore(ctx, s.succeededIndex(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: scan expired: %w", domain.ErrStoreUnavailable, err)
	}

	var removed []string
	progressed := false
	for _, key := range candidates {
		n, err := reapExpiredScript.Run(ctx, s.client,
			[]string{s.recordKey(key), s.succeededIndex()},
			now.UnixMilli(), key,
		).Int()
		if err != nil {
			return removed, false, fmt.Errorf("%w: reap expired: %w", domain.ErrStoreUnavailable, err)
		}
		if n != 0 {
			progressed = true
		}
		if n == 1 {
			removed = append(removed, key)
		}
	}
	return removed, moreCandidates(len(candidates), limit, progressed), nil
}

func (s *RedisStore) DeleteStuck(ctx context.Context, cutoff time.Time, limit int) ([]string, bool, error) {
	candidates, err := s.client.ZRangeByScore(ctx, s.pendingIndex(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: scan stuck: %w", domain.ErrStoreUnavailable, err)
	}

	var removed []string
	progressed := false
	for _, key := range candidates {
		n, err := reapStuckScript.Run(ctx, s.client,
			[]string{s.recordKey(key), s.pendingIndex()},
			cutoff.UnixMilli(), key,
		).Int()
		if err != nil {
			return removed, false, fmt.Errorf("%w: reap stuck: %w", domain.ErrStoreUnavailable, err)
		}
		if n != 0 {
			progressed = true
		}
		if n == 1 {
			removed = append(removed, key)
		}
	}
	return removed, moreCandidates(len(candidates), limit, progressed), nil
}

// moreCandidates reports whether another scan may find work. Pruned stale
// index entries count as progress; a full batch that changed nothing does
// not, or the janitor would rescan it forever.
func moreCandidates(scanned, limit int, progressed bool) bool {
	return limit > 0 && scanned >= limit && progressed
}

// Statistics counts index entries per age bucket. Succeeded totals include
// entries whose hash already expired natively but whose index entry has not
// yet been pruned; those are reported as Expired.
func (s *RedisStore) Statistics(ctx context.Context, now time.Time, bounds []time.Duration, stuckAfter time.Duration) (domain.RecordStatistics, error) {
	stats := domain.RecordStatistics{
		GeneratedAt: now,
		Pending:     domain.StatusStatistics{Buckets: domain.NewAgeBuckets(bounds)},
		Succeeded:   domain.StatusStatistics{Buckets: domain.NewAgeBuckets(bounds)},
	}

	pipe := s.client.Pipeline()
	pendingTotal := pipe.ZCard(ctx, s.pendingIndex())
	succeededTotal := pipe.ZCard(ctx, s.succeededIndex())
	pendingCounts := s.bucketCounts(ctx, pipe, s.pendingIndex(), now, stats.Pending.Buckets)
	succeededCounts := s.bucketCounts(ctx, pipe, s.succeededIndex(), now, stats.Succeeded.Buckets)
	stuck := pipe.ZCount(ctx, s.pendingIndex(), "-inf", strconv.FormatInt(now.Add(-stuckAfter).UnixMilli(), 10))
	expired := pipe.ZCount(ctx, s.succeededIndex(), "-inf", strconv.FormatInt(now.Add(-s.ttl).UnixMilli(), 10))

	if _, err := pipe.Exec(ctx); err != nil {
		return domain.RecordStatistics{}, fmt.Errorf("%w: statistics: %w", domain.ErrStoreUnavailable, err)
	}

	stats.Pending.Total = pendingTotal.Val()
	stats.Succeeded.Total = succeededTotal.Val()
	for i, cmd := range pendingCounts {
		stats.Pending.Buckets[i].Count = cmd.Val()
	}
	for i, cmd := range succeededCounts {
		stats.Succeeded.Buckets[i].Count = cmd.Val()
	}
	stats.Stuck = stuck.Val()
	stats.Expired = expired.Val()
	return stats, nil
}

// bucketCounts queues one ZCOUNT per bucket. A bucket [min, max) of ages
// maps to scores in (now-max, now-min].
func (s *RedisStore) bucketCounts(ctx context.Context, pipe redis.Pipeliner, index string, now time.Time, buckets []domain.AgeBucket) []*redis.IntCmd {
	cmds := make([]*redis.IntCmd, len(buckets))
	for i, b := range buckets {
		hi := strconv.FormatInt(now.Add(-b.MinAge).UnixMilli(), 10)
		lo := "-inf"
		if b.MaxAge > 0 {
			lo = "(" + strconv.FormatInt(now.Add(-b.MaxAge).UnixMilli(), 10)
		}
		cmds[i] = pipe.ZCount(ctx, index, lo, hi)
	}
	return cmds
}

func decodeRecord(key string, fields map[string]string) (*domain.IdempotencyRecord, error) {
	rec := &domain.IdempotencyRecord{
		Key:    key,
		Status: domain.RecordStatus(fields["status"]),
		Token:  fields["token"],
	}

	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode record %s: created_at: %w", key, err)
	}
	rec.CreatedAt = time.UnixMilli(created)

	if rec.Status != domain.RecordStatusSucceeded {
		return rec, nil
	}

	completed, _ := strconv.ParseInt(fields["completed_at"], 10, 64)
	expires, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	completedAt := time.UnixMilli(completed)
	expiresAt := time.UnixMilli(expires)
	rec.CompletedAt = &completedAt
	rec.ExpiresAt = &expiresAt

	code, err := strconv.Atoi(fields["code"])
	if err != nil {
		return nil, fmt.Errorf("decode record %s: code: %w", key, err)
	}
	resp := &domain.CachedResponse{
		StatusCode:  code,
		ContentType: fields["content_type"],
		Body:        []byte(fields["body"]),
	}
	if h := fields["headers"]; h != "" && h != "null" {
		if err := json.Unmarshal([]byte(h), &resp.Headers); err != nil {
			return nil, fmt.Errorf("decode record %s: headers: %w", key, err)
		}
	}
	rec.Response = resp
	return rec, nil
}

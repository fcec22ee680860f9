package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// RecordStore keeps idempotency records in the idempotency_records table.
// Begin relies on INSERT ... ON CONFLICT, which only overwrites a row that
// holds an expired succeeded result.
type RecordStore struct {
	pool  *pgxpool.Pool
	ttl   time.Duration
	clock clock.Clock
}

func NewRecordStore(pool *pgxpool.Pool, ttl time.Duration, clk clock.Clock) *RecordStore {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RecordStore{pool: pool, ttl: ttl, clock: clk}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}

func (s *RecordStore) Begin(ctx context.Context, key string) (*domain.RecordLock, error) {
	const query = `
		INSERT INTO idempotency_records (key, status, token, created_at)
		VALUES ($1, 'PENDING', $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			status = 'PENDING',
			token = EXCLUDED.token,
			created_at = EXCLUDED.created_at,
			response_code = NULL,
			response_content_type = NULL,
			response_headers = NULL,
			response_body = NULL,
			completed_at = NULL,
			expires_at = NULL
		WHERE idempotency_records.status = 'SUCCEEDED'
		  AND idempotency_records.expires_at <= EXCLUDED.created_at
		RETURNING token
	`

	now := s.clock.Now()
	token := uuid.NewString()

	var got string
	err := s.pool.QueryRow(ctx, query, key, token, now).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("begin", err)
	}
	return &domain.RecordLock{Key: key, Token: got, AcquiredAt: now}, nil
}

func (s *RecordStore) Load(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	const query = `
		SELECT status, token, response_code, response_content_type, response_headers,
		       response_body, created_at, completed_at, expires_at
		FROM idempotency_records
		WHERE key = $1
	`

	var (
		rec         = domain.IdempotencyRecord{Key: key}
		code        *int
		contentType *string
		headers     []byte
		body        []byte
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&rec.Status,
		&rec.Token,
		&code,
		&contentType,
		&headers,
		&body,
		&rec.CreatedAt,
		&rec.CompletedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("load", err)
	}
	if rec.IsExpired(s.clock.Now()) {
		return nil, nil
	}

	if rec.IsSucceeded() && code != nil {
		resp := &domain.CachedResponse{StatusCode: *code, Body: body}
		if contentType != nil {
			resp.ContentType = *contentType
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &resp.Headers); err != nil {
				return nil, fmt.Errorf("decode record %s: headers: %w", key, err)
			}
		}
		rec.Response = resp
	}
	return &rec, nil
}

func (s *RecordStore) Commit(ctx context.Context, lock *domain.RecordLock, resp domain.CachedResponse) error {
	const query = `
		UPDATE idempotency_records
		SET status = 'SUCCEEDED',
		    response_code = $3,
		    response_content_type = $4,
		    response_headers = $5,
		    response_body = $6,
		    completed_at = $7,
		    expires_at = $8
		WHERE key = $1 AND token = $2 AND status = 'PENDING'
	`

	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, query,
		lock.Key,
		lock.Token,
		resp.StatusCode,
		resp.ContentType,
		headers,
		resp.Body,
		now,
		now.Add(s.ttl),
	)
	if err != nil {
		return unavailable("commit", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (s *RecordStore) Clear(ctx context.Context, lock *domain.RecordLock) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND token = $2`,
		lock.Key, lock.Token,
	)
	if err != nil {
		return unavailable("clear", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLockLost
	}
	return nil
}

func (s *RecordStore) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]string, bool, error) {
	const query = `
		DELETE FROM idempotency_records
		WHERE key IN (
			SELECT key FROM idempotency_records
			WHERE status = 'SUCCEEDED' AND expires_at <= $1
			ORDER BY expires_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING key
	`
	keys, err := s.deleteKeys(ctx, query, now, limit)
	if err != nil {
		return keys, false, unavailable("delete expired", err)
	}
	return keys, len(keys) >= limit, nil
}

func (s *RecordStore) DeleteStuck(ctx context.Context, cutoff time.Time, limit int) ([]string, bool, error) {
	const query = `
		DELETE FROM idempotency_records
		WHERE key IN (
			SELECT key FROM idempotency_records
			WHERE status = 'PENDING' AND created_at <= $1
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING key
	`
	keys, err := s.deleteKeys(ctx, query, cutoff, limit)
	if err != nil {
		return keys, false, unavailable("delete stuck", err)
	}
	return keys, len(keys) >= limit, nil
}

func (s *RecordStore) deleteKeys(ctx context.Context, query string, at time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Statistics counts records with one aggregate query. Pending ages are
// measured from created_at, succeeded ages from completed_at.
func (s *RecordStore) Statistics(ctx context.Context, now time.Time, bounds []time.Duration, stuckAfter time.Duration) (domain.RecordStatistics, error) {
	stats := domain.RecordStatistics{
		GeneratedAt: now,
		Pending:     domain.StatusStatistics{Buckets: domain.NewAgeBuckets(bounds)},
		Succeeded:   domain.StatusStatistics{Buckets: domain.NewAgeBuckets(bounds)},
	}

	args := []any{now, now.Add(-stuckAfter)}
	query := `SELECT
		COUNT(*) FILTER (WHERE status = 'PENDING'),
		COUNT(*) FILTER (WHERE status = 'SUCCEEDED'),
		COUNT(*) FILTER (WHERE status = 'PENDING' AND created_at <= $2),
		COUNT(*) FILTER (WHERE status = 'SUCCEEDED' AND expires_at <= $1)`

	bucketFilter := func(status, column string, b domain.AgeBucket) string {
		args = append(args, now.Add(-b.MinAge))
		cond := fmt.Sprintf("%s <= $%d", column, len(args))
		if b.MaxAge > 0 {
			args = append(args, now.Add(-b.MaxAge))
			cond += fmt.Sprintf(" AND %s > $%d", column, len(args))
		}
		return fmt.Sprintf(",\n\t\tCOUNT(*) FILTER (WHERE status = '%s' AND %s)", status, cond)
	}
	for _, b := range stats.Pending.Buckets {
		query += bucketFilter("PENDING", "created_at", b)
	}
	for _, b := range stats.Succeeded.Buckets {
		query += bucketFilter("SUCCEEDED", "completed_at", b)
	}
	query += "\n\tFROM idempotency_records"

	dest := []any{&stats.Pending.Total, &stats.Succeeded.Total, &stats.Stuck, &stats.Expired}
	for i := range stats.Pending.Buckets {
		dest = append(dest, &stats.Pending.Buckets[i].Count)
	}
	for i := range stats.Succeeded.Buckets {
		dest = append(dest, &stats.Succeeded.Buckets[i].Count)
	}

	if err := s.pool.QueryRow(ctx, query, args...).Scan(dest...); err != nil {
		return domain.RecordStatistics{}, unavailable("statistics", err)
	}
	return stats, nil
}

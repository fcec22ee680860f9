package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

const jobColumns = `id, name, payload, status, attempts, max_attempts, next_attempt_at,
	locked_until, last_error, published_at, created_at, updated_at, completed_at`

type JobRepository struct {
	pool    *pgxpool.Pool
	batcher *JobBatcher
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// WithBatcher enables batch inserts for improved throughput.
// When enabled, Insert() will batch jobs and flush them periodically.
func (r *JobRepository) WithBatcher(config BatcherConfig) *JobRepository {
	r.batcher = NewJobBatcher(r.pool, config)
	return r
}

// Shutdown gracefully shuts down the repository, flushing any pending batched jobs.
func (r *JobRepository) Shutdown(ctx context.Context) error {
	if r.batcher != nil {
		return r.batcher.Shutdown(ctx)
	}
	return nil
}

func (r *JobRepository) Insert(ctx context.Context, job *domain.Job) (bool, error) {
	if r.batcher != nil {
		return r.batcher.Add(ctx, job)
	}

	const query = `
		INSERT INTO jobs (id, name, payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Name,
		job.Payload,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.NextAttemptAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) Claim(ctx context.Context, id string, lease time.Duration) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    locked_until = NOW() + make_interval(secs => $2),
		    updated_at = NOW()
		WHERE id = $1
		AND (status IN ('queued', 'retrying')
		     OR (status = 'processing' AND locked_until < NOW()))
		RETURNING ` + jobColumns

	job, err := scanJob(r.pool.QueryRow(ctx, query, id, lease.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ClaimDue(ctx context.Context, limit int, lease, grace time.Duration) ([]*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    locked_until = NOW() + make_interval(secs => $2),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (status = 'queued' AND created_at <= NOW() - make_interval(secs => $3))
			   OR (status = 'retrying' AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))
			   OR (status = 'processing' AND locked_until < NOW())
			ORDER BY next_attempt_at NULLS FIRST, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + jobColumns

	rows, err := r.pool.Query(ctx, query, limit, lease.Seconds(), grace.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) UpdateStatus(ctx context.Context, job *domain.Job) error {
	const query = `
		UPDATE jobs
		SET status = $2, attempts = $3, next_attempt_at = $4, locked_until = $5,
		    last_error = $6, updated_at = $7, completed_at = $8
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.Attempts,
		job.NextAttemptAt,
		job.LockedUntil,
		job.LastError,
		job.UpdatedAt,
		job.CompletedAt,
	)
	return err
}

func (r *JobRepository) MarkPublished(ctx context.Context, id string) error {
	const query = `UPDATE jobs SET published_at = NOW() WHERE id = $1 AND published_at IS NULL`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.NextAttemptAt,
		&job.LockedUntil,
		&job.LastError,
		&job.PublishedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// BatcherConfig configures the job batcher behavior.
type BatcherConfig struct {
	// MaxSize is the maximum number of jobs to batch before flushing.
	MaxSize int
	// MaxWait is the maximum time to wait before flushing a partial batch.
	MaxWait time.Duration
}

// DefaultBatcherConfig returns sensible defaults for batching.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize: 50,
		MaxWait: 5 * time.Millisecond,
	}
}

// insertResult reports whether a batched job was newly inserted.
type insertResult struct {
	created bool
	err     error
}

// pendingJob holds a job and its completion channel.
type pendingJob struct {
	job  *domain.Job
	done chan insertResult
}

// JobBatcher batches job inserts for improved throughput under bursts of
// concurrent enqueues. It collects jobs and flushes them in batches, either
// when the batch is full or after a timeout, whichever comes first.
// Each caller blocks until their job is persisted and learns whether it was
// the one that created the row.
type JobBatcher struct {
	pool   *pgxpool.Pool
	config BatcherConfig

	mu      sync.Mutex
	pending []pendingJob
	timer   *time.Timer

	shutdown chan struct{}
	done     chan struct{}
}

// NewJobBatcher creates a new batcher with the given configuration.
func NewJobBatcher(pool *pgxpool.Pool, config BatcherConfig) *JobBatcher {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultBatcherConfig().MaxSize
	}
	if config.MaxWait <= 0 {
		config.MaxWait = DefaultBatcherConfig().MaxWait
	}
	b := &JobBatcher{
		pool:     pool,
		config:   config,
		pending:  make([]pendingJob, 0, config.MaxSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Add adds a job to the batch and blocks until it's persisted.
// created is false when a job with the same id already existed.
func (b *JobBatcher) Add(ctx context.Context, job *domain.Job) (bool, error) {
	done := make(chan insertResult, 1)

	b.mu.Lock()
	b.pending = append(b.pending, pendingJob{job: job, done: done})
	shouldFlush := len(b.pending) >= b.config.MaxSize

	// Start timer on first job in batch
	if len(b.pending) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}

	if shouldFlush {
		b.flushLocked()
	}
	b.mu.Unlock()

	// Wait for completion or context cancellation
	select {
	case res := <-done:
		return res.created, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Shutdown gracefully shuts down the batcher, flushing any pending jobs.
func (b *JobBatcher) Shutdown(ctx context.Context) error {
	close(b.shutdown)

	// Wait for run loop to finish
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Final flush
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.flushLocked()
	}
	return nil
}

// run is the background goroutine that handles timer-based flushes.
func (b *JobBatcher) run() {
	defer close(b.done)
	<-b.shutdown
}

// flushLocked flushes all pending jobs. Must be called with mu held.
func (b *JobBatcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}

	// Stop timer if running
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	// Take ownership of pending slice
	toFlush := b.pending
	b.pending = make([]pendingJob, 0, b.config.MaxSize)

	// Execute batch insert in background to release lock quickly
	go b.executeBatch(toFlush)
}

// executeBatch performs the actual batch INSERT.
func (b *JobBatcher) executeBatch(jobs []pendingJob) {
	ctx := context.Background()
	created, err := b.batchInsert(ctx, jobs)

	// Notify all waiters. A repeated id within one batch is only created
	// for its first caller.
	claimed := make(map[string]bool, len(jobs))
	for _, pj := range jobs {
		res := insertResult{err: err}
		if err == nil && created[pj.job.ID] && !claimed[pj.job.ID] {
			res.created = true
			claimed[pj.job.ID] = true
		}
		pj.done <- res
		close(pj.done)
	}
}

// batchInsert performs a single INSERT with multiple VALUES and returns the
// set of ids that were newly inserted.
func (b *JobBatcher) batchInsert(ctx context.Context, jobs []pendingJob) (map[string]bool, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	// Build query with multiple value sets
	// INSERT INTO jobs (...) VALUES ($1, $2, ...), ($10, $11, ...), ...
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		INSERT INTO jobs (id, name, payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES `)

	seen := make(map[string]bool, len(jobs))
	args := make([]interface{}, 0, len(jobs)*9)
	n := 0
	for _, pj := range jobs {
		j := pj.job
		if seen[j.ID] {
			continue
		}
		seen[j.ID] = true

		if n > 0 {
			queryBuilder.WriteString(", ")
		}
		base := n * 9
		queryBuilder.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		n++

		args = append(args,
			j.ID,
			j.Name,
			j.Payload,
			j.Status,
			j.Attempts,
			j.MaxAttempts,
			j.NextAttemptAt,
			j.CreatedAt,
			j.UpdatedAt,
		)
	}

	queryBuilder.WriteString(" ON CONFLICT (id) DO NOTHING RETURNING id")

	rows, err := b.pool.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	created := make(map[string]bool, n)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		created[id] = true
	}
	return created, rows.Err()
}

// Package retry provides retry policies and the poller that re-drives jobs
// the broker did not deliver: retries that came due, jobs whose publish
// failed, and jobs whose worker died mid-lease.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// JobClaimer leases runnable jobs. Implementations must skip rows locked by
// other pollers so several instances can run side by side.
type JobClaimer interface {
	ClaimDue(ctx context.Context, limit int, lease, grace time.Duration) ([]*domain.Job, error)
}

// JobProcessor applies already-claimed jobs.
// This interface allows the poller to use the same logic as the Kafka consumer.
type JobProcessor interface {
	ProcessJobs(ctx context.Context, jobs []*domain.Job) (completed, retrying, failed []*domain.Job)
}

// PollerConfig holds configuration for the retry poller.
type PollerConfig struct {
	// PollInterval is how often to check for due jobs (default: 5s)
	PollInterval time.Duration
	// BatchSize is the maximum number of jobs to claim per poll (default: 100)
	BatchSize int
	// Lease is how long a claimed job stays reserved (default: 1m)
	Lease time.Duration
	// QueuedGrace leaves fresh queued jobs to the broker (default: 30s)
	QueuedGrace time.Duration
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		Lease:        time.Minute,
		QueuedGrace:  30 * time.Second,
	}
}

// Poller polls the database for jobs that need another attempt and processes
// them. It relies on FOR UPDATE SKIP LOCKED to safely run multiple instances.
type Poller struct {
	config    PollerConfig
	jobs      JobClaimer
	processor JobProcessor
	logger    *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewPoller creates a new retry poller.
func NewPoller(
	jobs JobClaimer,
	processor JobProcessor,
	config PollerConfig,
	logger *slog.Logger,
) *Poller {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.Lease == 0 {
		config.Lease = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		config:    config,
		jobs:      jobs,
		processor: processor,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins polling for due jobs.
// This method blocks until Stop is called or context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	p.logger.Info("retry poller started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
		"lease", p.config.Lease,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start, then on interval
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retry poller stopping due to context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("retry poller stopping due to stop signal")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Stop signals the poller to stop and waits for in-flight work to complete.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) poll(ctx context.Context) {
	jobs, err := p.jobs.ClaimDue(ctx, p.config.BatchSize, p.config.Lease, p.config.QueuedGrace)
	if err != nil {
		p.logger.Error("failed to claim due jobs", "error", err)
		return
	}

	if len(jobs) == 0 {
		return
	}

	p.logger.Debug("claimed jobs for retry", "count", len(jobs))

	// Claimed jobs are leased; finish them before the next poll so the lease
	// does not lapse while they wait.
	p.processRetryBatch(ctx, jobs)
}

func (p *Poller) processRetryBatch(ctx context.Context, jobs []*domain.Job) {
	completed, retrying, failed := p.processor.ProcessJobs(ctx, jobs)

	p.logger.Info("retry batch processed",
		"total", len(jobs),
		"completed", len(completed),
		"retrying", len(retrying),
		"failed", len(failed),
	)
}

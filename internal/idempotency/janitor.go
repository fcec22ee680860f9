package idempotency

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// JanitorConfig holds configuration for the record janitor.
type JanitorConfig struct {
	// Interval is how often the background loop runs (default: 1m)
	Interval time.Duration
	// StuckAfter is the age at which a PENDING record is considered abandoned (default: 5m)
	StuckAfter time.Duration
	// BatchSize bounds each delete round trip (default: 500)
	BatchSize int
	// AutoForceStuck makes the background loop also reap stuck records.
	// Off by default: stuck cleanup is normally an operator decision.
	AutoForceStuck bool
	// AgeBuckets are the upper bounds used by Statistics.
	AgeBuckets []time.Duration
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:   time.Minute,
		StuckAfter: 5 * time.Minute,
		BatchSize:  500,
		AgeBuckets: domain.DefaultAgeBuckets,
	}
}

// Janitor reaps expired results and stuck locks. All of its operations are
// best effort: errors are returned to the caller and logged, never fatal.
type Janitor struct {
	store     MaintenanceStore
	config    JanitorConfig
	clock     clock.Clock
	logger    *slog.Logger
	onRemoved func(kind string, n int)

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

func NewJanitor(store MaintenanceStore, config JanitorConfig, clk clock.Clock, logger *slog.Logger) *Janitor {
	if config.Interval == 0 {
		config.Interval = time.Minute
	}
	if config.StuckAfter == 0 {
		config.StuckAfter = 5 * time.Minute
	}
	if config.BatchSize == 0 {
		config.BatchSize = 500
	}
	if len(config.AgeBuckets) == 0 {
		config.AgeBuckets = domain.DefaultAgeBuckets
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Janitor{
		store:  store,
		config: config,
		clock:  clk,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// WithMetrics registers a callback for removed record counts ("expired" or "stuck").
func (j *Janitor) WithMetrics(onRemoved func(kind string, n int)) *Janitor {
	j.onRemoved = onRemoved
	return j
}

// CleanupExpired deletes SUCCEEDED records past their TTL.
func (j *Janitor) CleanupExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		keys, more, err := j.store.DeleteExpired(ctx, j.clock.Now(), j.config.BatchSize)
		total += len(keys)
		if err != nil {
			j.logger.Error("expired record cleanup failed", "error", err, "removed", total)
			j.report("expired", total)
			return total, err
		}
		if !more {
			break
		}
	}

	if total > 0 {
		j.logger.Info("expired idempotency records removed", "count", total)
	}
	j.report("expired", total)
	return total, nil
}

// ForceCleanupStuck deletes PENDING records older than StuckAfter, whose
// handler presumably died before commit or clear. Every key is logged.
func (j *Janitor) ForceCleanupStuck(ctx context.Context) ([]string, error) {
	cutoff := j.clock.Now().Add(-j.config.StuckAfter)

	var removed []string
	for {
		keys, more, err := j.store.DeleteStuck(ctx, cutoff, j.config.BatchSize)
		for _, key := range keys {
			j.logger.Warn("force-released stuck idempotency lock",
				"idempotency_key", key,
				"stuck_after", j.config.StuckAfter,
			)
		}
		removed = append(removed, keys...)
		if err != nil {
			j.logger.Error("stuck record cleanup failed", "error", err, "removed", len(removed))
			j.report("stuck", len(removed))
			return removed, err
		}
		if !more {
			break
		}
	}

	j.report("stuck", len(removed))
	return removed, nil
}

// Statistics returns counts by status and age bucket.
func (j *Janitor) Statistics(ctx context.Context) (domain.RecordStatistics, error) {
	stats, err := j.store.Statistics(ctx, j.clock.Now(), sortedBounds(j.config.AgeBuckets), j.config.StuckAfter)
	if err != nil {
		j.logger.Error("failed to collect idempotency statistics", "error", err)
		return domain.RecordStatistics{}, err
	}
	return stats, nil
}

// Start runs the maintenance loop until Stop is called or ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	defer j.wg.Done()

	j.logger.Info("idempotency janitor started",
		"interval", j.config.Interval,
		"stuck_after", j.config.StuckAfter,
		"auto_force_stuck", j.config.AutoForceStuck,
	)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("idempotency janitor stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.logger.Info("idempotency janitor stopping due to stop signal")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for the current round.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *Janitor) runOnce(ctx context.Context) {
	_, _ = j.CleanupExpired(ctx)
	if j.config.AutoForceStuck {
		_, _ = j.ForceCleanupStuck(ctx)
	}
}

func (j *Janitor) report(kind string, n int) {
	if j.onRemoved != nil && n > 0 {
		j.onRemoved(kind, n)
	}
}

func sortedBounds(bounds []time.Duration) []time.Duration {
	out := append([]time.Duration(nil), bounds...)
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

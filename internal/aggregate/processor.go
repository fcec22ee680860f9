// Package aggregate applies queued jobs to the per-user game aggregates.
//
// Jobs reach the processor from two directions: the Kafka consumer hands it
// job ids to claim, and the retry poller hands it jobs it already claimed.
// Either way the job row is leased first, and the aggregate repository
// records the job id in the same transaction as its effect, so a job that is
// delivered twice changes the aggregates once.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/repository"
	"github.com/archslayer/flagbase111-sub003/internal/retry"
)

// JobStore is the slice of the job repository the processor needs.
type JobStore interface {
	Claim(ctx context.Context, id string, lease time.Duration) (*domain.Job, error)
	UpdateStatus(ctx context.Context, job *domain.Job) error
}

// ErrUnknownJob is returned for job names the processor has no handler for.
var ErrUnknownJob = errors.New("unknown job name")

// Outcomes reported to the jobs_processed_total metric.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped" // effect already applied by an earlier delivery
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomeNotClaim  = "not_claimed"
)

type Config struct {
	Lease             time.Duration
	Concurrency       int
	FreeAttacksPerDay int
	DailyPayoutCap    decimal.Decimal
	StatusTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lease:             time.Minute,
		Concurrency:       8,
		FreeAttacksPerDay: 3,
		DailyPayoutCap:    decimal.NewFromInt(1000),
		StatusTimeout:     5 * time.Second,
	}
}

type Option func(*Processor)

func WithConfig(c Config) Option {
	return func(p *Processor) { p.config = c }
}

func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Processor) { p.policy = policy }
}

func WithClock(c clock.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// Processor dispatches jobs by name to the aggregate repository.
type Processor struct {
	config     Config
	jobs       JobStore
	aggregates repository.AggregateRepository
	policy     retry.Policy
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewProcessor(jobs JobStore, aggregates repository.AggregateRepository, opts ...Option) *Processor {
	p := &Processor{
		config:     DefaultConfig(),
		jobs:       jobs,
		aggregates: aggregates,
		policy:     retry.DefaultPolicy(),
		clock:      clock.RealClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.config.Concurrency <= 0 {
		p.config.Concurrency = 1
	}
	return p
}

// Process claims job id and applies it. It returns an empty status when the
// job could not be claimed, which is the normal case for a redelivered
// message whose job already completed.
func (p *Processor) Process(ctx context.Context, id string) (domain.JobStatus, error) {
	job, err := p.jobs.Claim(ctx, id, p.config.Lease)
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", id, err)
	}
	if job == nil {
		p.count(OutcomeNotClaim)
		p.logger.Debug("job not claimable", "job_id", id)
		return "", nil
	}
	if err := p.apply(ctx, job); err != nil {
		return job.Status, err
	}
	return job.Status, nil
}

// ProcessJobs applies jobs that the caller already claimed.
func (p *Processor) ProcessJobs(ctx context.Context, jobs []*domain.Job) (completed, retrying, failed []*domain.Job) {
	sem := make(chan struct{}, p.config.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.apply(ctx, job); err != nil {
				p.logger.Error("failed to record job status", "job_id", job.ID, "error", err)
			}
		}(job)
	}
	wg.Wait()

	for _, job := range jobs {
		switch {
		case !job.IsTerminal():
			retrying = append(retrying, job)
		case job.Status == domain.JobStatusCompleted:
			completed = append(completed, job)
		default:
			failed = append(failed, job)
		}
	}
	return completed, retrying, failed
}

// apply runs the job and records its new status. The returned error is
// about persisting the status; job failures are captured in the status.
func (p *Processor) apply(ctx context.Context, job *domain.Job) error {
	start := p.clock.Now()
	applied, err := p.dispatch(ctx, job)
	now := p.clock.Now()

	if p.metrics != nil {
		p.metrics.JobDuration.Observe(now.Sub(start).Seconds())
	}

	logger := p.logger.With("job_id", job.ID, "job_name", job.Name)

	switch {
	case err == nil:
		job.MarkAsCompleted(now)
		if applied {
			p.count(OutcomeCompleted)
		} else {
			p.count(OutcomeSkipped)
			logger.Debug("job effect already applied")
		}

	case isPermanent(err):
		job.MarkAsFailed(err.Error())
		p.count(OutcomeFailed)
		logger.Error("job failed permanently", "error", err)

	default:
		next, ok := p.policy.NextAttempt(now, job)
		if !ok {
			job.MarkAsFailed(err.Error())
			p.count(OutcomeFailed)
			logger.Error("job exhausted its attempts", "attempts", job.Attempts, "error", err)
			break
		}
		job.MarkAsRetrying(next, err.Error())
		p.count(OutcomeRetrying)
		logger.Warn("job will be retried", "attempt", job.Attempts, "next_attempt_at", next, "error", err)
	}

	// The status write must land even if the consumer is shutting down,
	// otherwise the job waits out its lease before anyone retries it.
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.StatusTimeout)
	defer cancel()
	if err := p.jobs.UpdateStatus(statusCtx, job); err != nil {
		return fmt.Errorf("update status of %s: %w", job.ID, err)
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, job *domain.Job) (bool, error) {
	switch job.Name {
	case domain.JobChainAttack:
		ev, err := decodeEvent(job, domain.EventAttack)
		if err != nil {
			return false, err
		}
		return p.aggregates.RecordAttack(ctx, job.ID, ev)

	case domain.JobChainBuy, domain.JobChainSell:
		typ := domain.EventBuy
		if job.Name == domain.JobChainSell {
			typ = domain.EventSell
		}
		ev, err := decodeEvent(job, typ)
		if err != nil {
			return false, err
		}
		return p.aggregates.RecordTrade(ctx, job.ID, ev, p.config.DailyPayoutCap)

	case domain.JobChainReferralBound:
		ev, err := decodeEvent(job, domain.EventReferralBound)
		if err != nil {
			return false, err
		}
		return p.aggregates.BindReferral(ctx, job.ID, ev.Counterparty, ev.Actor, ev.OccurredAt)

	case domain.JobAttackRequested:
		var req domain.AttackRequested
		if err := decode(job, &req); err != nil {
			return false, err
		}
		if req.Day == "" {
			req.Day = domain.DayOf(req.RequestedAt)
		}
		return p.aggregates.ConsumeFreeAttack(ctx, job.ID, &req, p.config.FreeAttacksPerDay)

	case domain.JobTradeRequested:
		var req domain.TradeRequested
		if err := decode(job, &req); err != nil {
			return false, err
		}
		if req.Day == "" {
			req.Day = domain.DayOf(req.RequestedAt)
		}
		return p.aggregates.RecordTradeRequest(ctx, job.ID, &req)

	case domain.JobReferralRequested:
		var req domain.ReferralRequested
		if err := decode(job, &req); err != nil {
			return false, err
		}
		return p.aggregates.BindReferral(ctx, job.ID, req.RefereeID, req.ReferrerID, req.RequestedAt)

	case domain.JobAnalytics:
		var rec domain.AnalyticsRecorded
		if err := decode(job, &rec); err != nil {
			return false, err
		}
		return p.aggregates.RecordAnalytics(ctx, job.ID, &rec)
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownJob, job.Name)
}

func decode(job *domain.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", domain.ErrInvalidInput, job.Name, err)
	}
	return nil
}

func decodeEvent(job *domain.Job, want domain.EventType) (*domain.ChainEvent, error) {
	var ev domain.ChainEvent
	if err := decode(job, &ev); err != nil {
		return nil, err
	}
	if ev.Type != want {
		return nil, fmt.Errorf("%w: job %s carries a %s event", domain.ErrInvalidInput, job.Name, ev.Type)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// isPermanent reports errors that another attempt cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, ErrUnknownJob)
}

func (p *Processor) count(outcome string) {
	if p.metrics != nil {
		p.metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	}
}

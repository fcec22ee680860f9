package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/archslayer/flagbase111-sub003/internal/clock"
	"github.com/archslayer/flagbase111-sub003/internal/domain"
	"github.com/archslayer/flagbase111-sub003/internal/kafka"
	"github.com/archslayer/flagbase111-sub003/internal/observability"
	"github.com/archslayer/flagbase111-sub003/internal/resilience"
)

// BreakerName is the circuit breaker guarding broker publishes.
const BreakerName = "kafka"

// JobStore persists jobs. Insert reports false when the id already exists.
type JobStore interface {
	Insert(ctx context.Context, job *domain.Job) (bool, error)
	MarkPublished(ctx context.Context, id string) error
}

// Publisher hands a persisted job to consumers.
type Publisher interface {
	Publish(ctx context.Context, msg kafka.JobMessage) error
}

// Result describes what Enqueue did.
type Result struct {
	JobID     string
	Created   bool // false: the id was already queued
	Disabled  bool // no queue configured, nothing stored
	Published bool
}

type ProducerConfig struct {
	MaxAttempts    int
	PublishTimeout time.Duration
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		MaxAttempts:    5,
		PublishTimeout: 5 * time.Second,
	}
}

// Producer writes jobs to the store and then publishes them. A job that is
// stored but not published stays queued and is picked up by the retry poller.
type Producer struct {
	config    ProducerConfig
	store     JobStore
	publisher Publisher
	breakers  *resilience.CircuitBreakerManager
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

type Option func(*Producer)

func WithConfig(c ProducerConfig) Option {
	return func(p *Producer) { p.config = c }
}

func WithPublisher(pub Publisher) Option {
	return func(p *Producer) { p.publisher = pub }
}

// WithCircuitBreaker routes publishes through the named breaker so a broker
// outage fails fast instead of holding request goroutines.
func WithCircuitBreaker(m *resilience.CircuitBreakerManager) Option {
	return func(p *Producer) { p.breakers = m }
}

func WithClock(c clock.Clock) Option {
	return func(p *Producer) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Producer) { p.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Producer) { p.metrics = m }
}

// NewProducer returns a producer over store. A nil store yields a producer
// whose Enqueue reports Disabled.
func NewProducer(store JobStore, opts ...Option) *Producer {
	p := &Producer{
		config: DefaultProducerConfig(),
		store:  store,
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type enqueueOptions struct {
	bestEffort  bool
	maxAttempts int
}

type EnqueueOption func(*enqueueOptions)

// BestEffort marks a job whose loss is tolerable: enqueue failures are logged
// and swallowed instead of returned.
func BestEffort() EnqueueOption {
	return func(o *enqueueOptions) { o.bestEffort = true }
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// Enqueue stores payload as job jobID and publishes it. Jobs are critical
// unless BestEffort is given: a critical job that cannot be stored returns an
// error wrapping domain.ErrQueueUnavailable.
func (p *Producer) Enqueue(ctx context.Context, name string, payload any, jobID string, opts ...EnqueueOption) (Result, error) {
	if jobID == "" || name == "" {
		return Result{}, fmt.Errorf("%w: job id and name are required", domain.ErrInvalidInput)
	}
	if p == nil || p.store == nil {
		p.count(name, "disabled")
		return Result{JobID: jobID, Disabled: true}, nil
	}

	o := enqueueOptions{maxAttempts: p.config.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: job %s: %v", domain.ErrInvalidInput, jobID, err)
	}

	now := p.clock.Now()
	job := &domain.Job{
		ID:          jobID,
		Name:        name,
		Payload:     raw,
		Status:      domain.JobStatusQueued,
		MaxAttempts: o.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := p.store.Insert(ctx, job)
	if err != nil {
		p.count(name, "error")
		err = fmt.Errorf("%w: insert %s: %w", domain.ErrQueueUnavailable, jobID, err)
		if o.bestEffort {
			p.logger.Warn("best-effort job dropped", "job_id", jobID, "job_name", name, "error", err)
			return Result{JobID: jobID}, nil
		}
		return Result{JobID: jobID}, err
	}

	res := Result{JobID: jobID, Created: created}
	if !created {
		p.count(name, "duplicate")
		p.logger.Debug("job already queued", "job_id", jobID, "job_name", name)
		return res, nil
	}
	p.count(name, "created")

	res.Published = p.publish(ctx, kafka.JobMessage{ID: jobID, Name: name, Payload: raw})
	return res, nil
}

// EnqueueChainEvent queues a decoded contract event under its chain job id.
func (p *Producer) EnqueueChainEvent(ctx context.Context, ev *domain.ChainEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	id, err := JobIDForEvent(ev)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return p.Enqueue(ctx, ev.Type.JobName(), ev, id)
}

func (p *Producer) publish(ctx context.Context, msg kafka.JobMessage) bool {
	if p.publisher == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PublishTimeout)
	defer cancel()

	send := func() (interface{}, error) {
		return nil, p.publisher.Publish(ctx, msg)
	}
	var err error
	if p.breakers != nil {
		_, err = p.breakers.Execute(BreakerName, send)
	} else {
		_, err = send()
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.Inc()
		}
		p.logger.Warn("job stored but not published, left for the poller",
			"job_id", msg.ID,
			"job_name", msg.Name,
			"breaker_rejected", resilience.IsRejected(err),
			"error", err,
		)
		return false
	}

	if err := p.store.MarkPublished(ctx, msg.ID); err != nil {
		p.logger.Warn("failed to mark job published", "job_id", msg.ID, "error", err)
	}
	return true
}

func (p *Producer) count(name, result string) {
	if p != nil && p.metrics != nil {
		p.metrics.JobsEnqueued.WithLabelValues(name, result).Inc()
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}

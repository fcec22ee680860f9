// Package repository declares the persistence contracts used by the queue,
// the aggregator and the listener. Implementations live in subpackages.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

type JobRepository interface {
	// Insert stores the job unless a job with the same id exists.
	// created reports whether this call inserted the row.
	Insert(ctx context.Context, job *domain.Job) (created bool, err error)
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	// Claim moves a runnable job to processing under a lease. It returns
	// nil, nil when the job is unknown, terminal or leased by someone else.
	Claim(ctx context.Context, id string, lease time.Duration) (*domain.Job, error)
	// ClaimDue leases up to limit jobs the consumers have not picked up:
	// queued jobs older than grace, due retries and expired leases.
	ClaimDue(ctx context.Context, limit int, lease, grace time.Duration) ([]*domain.Job, error)
	UpdateStatus(ctx context.Context, job *domain.Job) error
	MarkPublished(ctx context.Context, id string) error
}

// AggregateRepository applies job effects to per-user aggregates. Every
// Record/Bind/Consume call is atomic and keyed by job id: applied is false
// when the job was already applied and nothing changed.
type AggregateRepository interface {
	RecordAttack(ctx context.Context, jobID string, ev *domain.ChainEvent) (applied bool, err error)
	RecordTrade(ctx context.Context, jobID string, ev *domain.ChainEvent, payoutCap decimal.Decimal) (applied bool, err error)
	BindReferral(ctx context.Context, jobID, refereeID, referrerID string, at time.Time) (applied bool, err error)
	ConsumeFreeAttack(ctx context.Context, jobID string, req *domain.AttackRequested, limit int) (applied bool, err error)
	RecordTradeRequest(ctx context.Context, jobID string, req *domain.TradeRequested) (applied bool, err error)
	RecordAnalytics(ctx context.Context, jobID string, rec *domain.AnalyticsRecorded) (applied bool, err error)

	GetProgress(ctx context.Context, userID string) (*domain.AchievementProgress, error)
	GetDailyLedger(ctx context.Context, userID, day string) (*domain.DailyLedger, error)
	ListReferralActivity(ctx context.Context, referrerID string) ([]*domain.ReferralActivity, error)
}

// CursorRepository persists how far a chain listener has scanned.
type CursorRepository interface {
	// Get returns the last scanned block; ok is false when none is stored.
	Get(ctx context.Context, name string) (block uint64, ok bool, err error)
	Set(ctx context.Context, name string, block uint64) error
}

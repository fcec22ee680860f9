package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 5,
		next_attempt_at TIMESTAMPTZ,
		locked_until TIMESTAMPTZ,
		last_error TEXT,
		published_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_runnable ON jobs (status, next_attempt_at)
		WHERE status IN ('queued', 'retrying', 'processing')`,

	`CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		token TEXT NOT NULL,
		response_code INT,
		response_content_type TEXT,
		response_headers JSONB,
		response_body BYTEA,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_pending ON idempotency_records (created_at)
		WHERE status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records (expires_at)
		WHERE status = 'SUCCEEDED'`,

	`CREATE TABLE IF NOT EXISTS applied_jobs (
		job_id TEXT PRIMARY KEY,
		aggregate TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS achievement_progress (
		user_id TEXT PRIMARY KEY,
		attacks BIGINT NOT NULL DEFAULT 0,
		buys BIGINT NOT NULL DEFAULT 0,
		sells BIGINT NOT NULL DEFAULT 0,
		buy_volume NUMERIC NOT NULL DEFAULT 0,
		sell_volume NUMERIC NOT NULL DEFAULT 0,
		first_attack_at TIMESTAMPTZ,
		last_event_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS referral_bindings (
		referee_id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		bound_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS referral_activity (
		referrer_id TEXT NOT NULL,
		referee_id TEXT NOT NULL,
		actions BIGINT NOT NULL DEFAULT 0,
		volume NUMERIC NOT NULL DEFAULT 0,
		first_active_at TIMESTAMPTZ,
		last_active_at TIMESTAMPTZ,
		PRIMARY KEY (referrer_id, referee_id)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_ledgers (
		user_id TEXT NOT NULL,
		day DATE NOT NULL,
		attack_requests BIGINT NOT NULL DEFAULT 0,
		free_attacks_used INT NOT NULL DEFAULT 0,
		free_attack_limit INT NOT NULL DEFAULT 0,
		trade_requests BIGINT NOT NULL DEFAULT 0,
		paid_out NUMERIC NOT NULL DEFAULT 0,
		payout_cap NUMERIC NOT NULL DEFAULT 0,
		capped_events BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS analytics_events (
		job_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		attributes JSONB,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chain_cursors (
		name TEXT PRIMARY KEY,
		block BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the tables used by the gateway, worker and listener.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

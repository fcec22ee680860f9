package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// AggregateRepository applies jobs to per-user aggregates.
//
// Every mutation is a single server-side statement (increments, LEAST,
// GREATEST) so concurrent consumers never overwrite each other, and every
// job runs in a transaction that first claims its row in applied_jobs.
type AggregateRepository struct {
	pool *pgxpool.Pool
}

func NewAggregateRepository(pool *pgxpool.Pool) *AggregateRepository {
	return &AggregateRepository{pool: pool}
}

// applyOnce runs fn in a transaction guarded by the applied_jobs ledger.
func (r *AggregateRepository) applyOnce(ctx context.Context, jobID, aggregate string, fn func(tx pgx.Tx) error) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO applied_jobs (job_id, aggregate) VALUES ($1, $2) ON CONFLICT (job_id) DO NOTHING`,
		jobID, aggregate,
	)
	if err != nil {
		return false, fmt.Errorf("claim ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := fn(tx); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (r *AggregateRepository) RecordAttack(ctx context.Context, jobID string, ev *domain.ChainEvent) (bool, error) {
	return r.applyOnce(ctx, jobID, "progress.attack", func(tx pgx.Tx) error {
		const query = `
			INSERT INTO achievement_progress (user_id, attacks, first_attack_at, last_event_at, updated_at)
			VALUES ($1, 1, $2, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				attacks = achievement_progress.attacks + 1,
				first_attack_at = LEAST(achievement_progress.first_attack_at, EXCLUDED.first_attack_at),
				last_event_at = GREATEST(achievement_progress.last_event_at, EXCLUDED.last_event_at),
				updated_at = NOW()
		`
		if _, err := tx.Exec(ctx, query, ev.Actor, ev.OccurredAt); err != nil {
			return fmt.Errorf("progress: %w", err)
		}
		return recordReferralActivity(ctx, tx, ev.Actor, decimal.Zero, ev.OccurredAt)
	})
}

// RecordTrade counts a buy or sell. Sells also credit the seller's daily
// payout, clamped to payoutCap.
func (r *AggregateRepository) RecordTrade(ctx context.Context, jobID string, ev *domain.ChainEvent, payoutCap decimal.Decimal) (bool, error) {
	var progressQuery string
	switch ev.Type {
	case domain.EventBuy:
		progressQuery = `
			INSERT INTO achievement_progress (user_id, buys, buy_volume, last_event_at, updated_at)
			VALUES ($1, 1, $2::numeric, $3, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				buys = achievement_progress.buys + 1,
				buy_volume = achievement_progress.buy_volume + EXCLUDED.buy_volume,
				last_event_at = GREATEST(achievement_progress.last_event_at, EXCLUDED.last_event_at),
				updated_at = NOW()
		`
	case domain.EventSell:
		progressQuery = `
			INSERT INTO achievement_progress (user_id, sells, sell_volume, last_event_at, updated_at)
			VALUES ($1, 1, $2::numeric, $3, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				sells = achievement_progress.sells + 1,
				sell_volume = achievement_progress.sell_volume + EXCLUDED.sell_volume,
				last_event_at = GREATEST(achievement_progress.last_event_at, EXCLUDED.last_event_at),
				updated_at = NOW()
		`
	default:
		return false, fmt.Errorf("%w: %s is not a trade", domain.ErrInvalidInput, ev.Type)
	}

	return r.applyOnce(ctx, jobID, "progress."+string(ev.Type), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, progressQuery, ev.Actor, ev.Value.String(), ev.OccurredAt); err != nil {
			return fmt.Errorf("progress: %w", err)
		}
		if ev.Type == domain.EventSell {
			if err := creditPayout(ctx, tx, ev.Actor, domain.DayOf(ev.OccurredAt), ev.Value, payoutCap); err != nil {
				return err
			}
		}
		return recordReferralActivity(ctx, tx, ev.Actor, ev.Value, ev.OccurredAt)
	})
}

// creditPayout adds amount to the day's paid_out without exceeding the cap.
// paid_out never decreases, even if the cap is lowered mid-day.
func creditPayout(ctx context.Context, tx pgx.Tx, userID, day string, amount, payoutCap decimal.Decimal) error {
	const query = `
		INSERT INTO daily_ledgers (user_id, day, paid_out, payout_cap, capped_events)
		VALUES ($1, $2::date, LEAST($3::numeric, $4::numeric), $4::numeric,
		        CASE WHEN $3::numeric > $4::numeric THEN 1 ELSE 0 END)
		ON CONFLICT (user_id, day) DO UPDATE SET
			capped_events = daily_ledgers.capped_events
				+ CASE WHEN daily_ledgers.paid_out + $3::numeric > $4::numeric THEN 1 ELSE 0 END,
			paid_out = GREATEST(daily_ledgers.paid_out, LEAST(daily_ledgers.paid_out + $3::numeric, $4::numeric)),
			payout_cap = $4::numeric
	`
	if _, err := tx.Exec(ctx, query, userID, day, amount.String(), payoutCap.String()); err != nil {
		return fmt.Errorf("payout: %w", err)
	}
	return nil
}

// recordReferralActivity credits the referee's referrer, if the referee is bound.
func recordReferralActivity(ctx context.Context, tx pgx.Tx, refereeID string, volume decimal.Decimal, at time.Time) error {
	const query = `
		INSERT INTO referral_activity (referrer_id, referee_id, actions, volume, first_active_at, last_active_at)
		SELECT referrer_id, referee_id, 1, $2::numeric, $3, $3
		FROM referral_bindings
		WHERE referee_id = $1
		ON CONFLICT (referrer_id, referee_id) DO UPDATE SET
			actions = referral_activity.actions + 1,
			volume = referral_activity.volume + EXCLUDED.volume,
			first_active_at = LEAST(referral_activity.first_active_at, EXCLUDED.first_active_at),
			last_active_at = GREATEST(referral_activity.last_active_at, EXCLUDED.last_active_at)
	`
	if _, err := tx.Exec(ctx, query, refereeID, volume.String(), at); err != nil {
		return fmt.Errorf("referral activity: %w", err)
	}
	return nil
}

// BindReferral records the referee's referrer. The first binding wins.
func (r *AggregateRepository) BindReferral(ctx context.Context, jobID, refereeID, referrerID string, at time.Time) (bool, error) {
	return r.applyOnce(ctx, jobID, "referral.binding", func(tx pgx.Tx) error {
		const query = `
			INSERT INTO referral_bindings (referee_id, referrer_id, bound_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (referee_id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, query, refereeID, referrerID, at); err != nil {
			return fmt.Errorf("referral binding: %w", err)
		}
		return nil
	})
}

// ConsumeFreeAttack counts an attack request and uses one free attack while
// the day's allowance lasts.
func (r *AggregateRepository) ConsumeFreeAttack(ctx context.Context, jobID string, req *domain.AttackRequested, limit int) (bool, error) {
	return r.applyOnce(ctx, jobID, "ledger.free_attack", func(tx pgx.Tx) error {
		const query = `
			INSERT INTO daily_ledgers (user_id, day, attack_requests, free_attacks_used, free_attack_limit)
			VALUES ($1, $2::date, 1, LEAST(1, $3), $3)
			ON CONFLICT (user_id, day) DO UPDATE SET
				attack_requests = daily_ledgers.attack_requests + 1,
				free_attacks_used = GREATEST(daily_ledgers.free_attacks_used,
				                             LEAST(daily_ledgers.free_attacks_used + 1, $3)),
				free_attack_limit = $3
		`
		if _, err := tx.Exec(ctx, query, req.UserID, req.Day, limit); err != nil {
			return fmt.Errorf("free attack: %w", err)
		}
		return nil
	})
}

func (r *AggregateRepository) RecordTradeRequest(ctx context.Context, jobID string, req *domain.TradeRequested) (bool, error) {
	return r.applyOnce(ctx, jobID, "ledger.trade_request", func(tx pgx.Tx) error {
		const query = `
			INSERT INTO daily_ledgers (user_id, day, trade_requests)
			VALUES ($1, $2::date, 1)
			ON CONFLICT (user_id, day) DO UPDATE SET
				trade_requests = daily_ledgers.trade_requests + 1
		`
		if _, err := tx.Exec(ctx, query, req.UserID, req.Day); err != nil {
			return fmt.Errorf("trade request: %w", err)
		}
		return nil
	})
}

func (r *AggregateRepository) RecordAnalytics(ctx context.Context, jobID string, rec *domain.AnalyticsRecorded) (bool, error) {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return false, fmt.Errorf("marshal attributes: %w", err)
	}
	return r.applyOnce(ctx, jobID, "analytics", func(tx pgx.Tx) error {
		const query = `
			INSERT INTO analytics_events (job_id, name, user_id, attributes, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, query, jobID, rec.Name, rec.UserID, attrs, rec.OccurredAt); err != nil {
			return fmt.Errorf("analytics: %w", err)
		}
		return nil
	})
}

func (r *AggregateRepository) GetProgress(ctx context.Context, userID string) (*domain.AchievementProgress, error) {
	const query = `
		SELECT user_id, attacks, buys, sells, buy_volume::text, sell_volume::text,
		       first_attack_at, last_event_at, updated_at
		FROM achievement_progress
		WHERE user_id = $1
	`

	var (
		p                     domain.AchievementProgress
		buyVolume, sellVolume string
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.Attacks,
		&p.Buys,
		&p.Sells,
		&buyVolume,
		&sellVolume,
		&p.FirstAttackAt,
		&p.LastEventAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.BuyVolume, err = decimal.NewFromString(buyVolume); err != nil {
		return nil, fmt.Errorf("buy_volume: %w", err)
	}
	if p.SellVolume, err = decimal.NewFromString(sellVolume); err != nil {
		return nil, fmt.Errorf("sell_volume: %w", err)
	}
	return &p, nil
}

func (r *AggregateRepository) GetDailyLedger(ctx context.Context, userID, day string) (*domain.DailyLedger, error) {
	const query = `
		SELECT user_id, day::text, attack_requests, free_attacks_used, free_attack_limit,
		       trade_requests, paid_out::text, payout_cap::text, capped_events
		FROM daily_ledgers
		WHERE user_id = $1 AND day = $2::date
	`

	var (
		l                 domain.DailyLedger
		paidOut, capValue string
	)
	err := r.pool.QueryRow(ctx, query, userID, day).Scan(
		&l.UserID,
		&l.Day,
		&l.AttackRequests,
		&l.FreeAttacksUsed,
		&l.FreeAttackLimit,
		&l.TradeRequests,
		&paidOut,
		&capValue,
		&l.CappedEvents,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if l.PaidOut, err = decimal.NewFromString(paidOut); err != nil {
		return nil, fmt.Errorf("paid_out: %w", err)
	}
	if l.PayoutCap, err = decimal.NewFromString(capValue); err != nil {
		return nil, fmt.Errorf("payout_cap: %w", err)
	}
	return &l, nil
}

func (r *AggregateRepository) ListReferralActivity(ctx context.Context, referrerID string) ([]*domain.ReferralActivity, error) {
	const query = `
		SELECT referrer_id, referee_id, actions, volume::text, first_active_at, last_active_at
		FROM referral_activity
		WHERE referrer_id = $1
		ORDER BY referee_id
	`

	rows, err := r.pool.Query(ctx, query, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ReferralActivity
	for rows.Next() {
		var (
			a      domain.ReferralActivity
			volume string
		)
		if err := rows.Scan(&a.ReferrerID, &a.RefereeID, &a.Actions, &volume, &a.FirstActiveAt, &a.LastActiveAt); err != nil {
			return nil, err
		}
		if a.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("volume: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

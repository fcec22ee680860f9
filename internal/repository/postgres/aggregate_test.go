package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
	token = "0x00000000000000000000000000000000000000c3"
)

func chainEvent(typ domain.EventType, actor string, value string, at time.Time) *domain.ChainEvent {
	return &domain.ChainEvent{
		Type:       typ,
		Actor:      actor,
		Token:      token,
		Amount:     decimal.NewFromInt(1),
		Value:      decimal.RequireFromString(value),
		OccurredAt: at,
	}
}

func TestAggregateRepository_RedeliveryIsNotDoubleCounted(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewAggregateRepository(pool)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.RecordAttack(ctx, "tx:0x01:0:attack", chainEvent(domain.EventAttack, alice, "0", at))
			if err != nil {
				t.Errorf("record attack: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}

	p, err := repo.GetProgress(ctx, alice)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.Attacks != 1 {
		t.Errorf("attacks = %d, want 1", p.Attacks)
	}
}

func TestAggregateRepository_ConcurrentDistinctEventsAllCount(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewAggregateRepository(pool)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Minute)
			jobID := "tx:0x02:" + string(rune('a'+i)) + ":attack"
			if _, err := repo.RecordAttack(ctx, jobID, chainEvent(domain.EventAttack, alice, "0", at)); err != nil {
				t.Errorf("record attack: %v", err)
			}
		}(i)
	}
	wg.Wait()

	p, err := repo.GetProgress(ctx, alice)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.Attacks != 20 {
		t.Errorf("attacks = %d, want 20", p.Attacks)
	}
	if p.FirstAttackAt == nil || !p.FirstAttackAt.Equal(base) {
		t.Errorf("first_attack_at = %v, want %v", p.FirstAttackAt, base)
	}
	if p.LastEventAt == nil || !p.LastEventAt.Equal(base.Add(19*time.Minute)) {
		t.Errorf("last_event_at = %v, want %v", p.LastEventAt, base.Add(19*time.Minute))
	}
}

func TestAggregateRepository_PayoutIsClamped(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewAggregateRepository(pool)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	payoutCap := decimal.NewFromInt(100)

	for i, value := range []string{"60", "30", "25", "5"} {
		jobID := "tx:0x03:" + string(rune('0'+i)) + ":sell"
		if _, err := repo.RecordTrade(ctx, jobID, chainEvent(domain.EventSell, alice, value, at), payoutCap); err != nil {
			t.Fatalf("record sell: %v", err)
		}
	}

	l, err := repo.GetDailyLedger(ctx, alice, "2026-03-01")
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if !l.PaidOut.Equal(payoutCap) {
		t.Errorf("paid_out = %s, want %s", l.PaidOut, payoutCap)
	}
	if l.CappedEvents != 2 {
		t.Errorf("capped_events = %d, want 2", l.CappedEvents)
	}

	p, _ := repo.GetProgress(ctx, alice)
	if p.Sells != 4 || !p.SellVolume.Equal(decimal.NewFromInt(120)) {
		t.Errorf("progress = %d sells / %s volume, want 4 / 120", p.Sells, p.SellVolume)
	}
}

func TestAggregateRepository_ReferralActivity(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewAggregateRepository(pool)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// bob acts before being bound: no referral credit.
	_, _ = repo.RecordAttack(ctx, "tx:0x04:0:attack", chainEvent(domain.EventAttack, bob, "0", at))

	if ok, err := repo.BindReferral(ctx, "tx:0x05", bob, alice, at); err != nil || !ok {
		t.Fatalf("bind referral = %v, %v", ok, err)
	}
	// A later binding for the same referee does not replace the first.
	_, _ = repo.BindReferral(ctx, "tx:0x06", bob, token, at)

	_, _ = repo.RecordTrade(ctx, "tx:0x07:0:buy", chainEvent(domain.EventBuy, bob, "12.5", at.Add(time.Minute)), decimal.NewFromInt(100))
	_, _ = repo.RecordAttack(ctx, "tx:0x07:1:attack", chainEvent(domain.EventAttack, bob, "0", at.Add(2*time.Minute)))

	activity, err := repo.ListReferralActivity(ctx, alice)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(activity) != 1 {
		t.Fatalf("activity rows = %d, want 1", len(activity))
	}
	a := activity[0]
	if a.RefereeID != bob || a.Actions != 2 || !a.Volume.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("activity = %+v, want bob / 2 actions / 12.5", a)
	}
	if a.FirstActiveAt == nil || !a.FirstActiveAt.Equal(at.Add(time.Minute)) {
		t.Errorf("first_active_at = %v, want %v", a.FirstActiveAt, at.Add(time.Minute))
	}

	if other, _ := repo.ListReferralActivity(ctx, token); len(other) != 0 {
		t.Error("second binding credited a different referrer")
	}
}

func TestAggregateRepository_FreeAttackQuota(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewAggregateRepository(pool)

	for i := 0; i < 5; i++ {
		req := &domain.AttackRequested{UserID: "u1", TargetID: "u2", Units: 1, Day: "2026-03-01"}
		jobID := "req:attack:" + string(rune('a'+i))
		if _, err := repo.ConsumeFreeAttack(ctx, jobID, req, 3); err != nil {
			t.Fatalf("consume free attack: %v", err)
		}
	}
	// redelivery of an applied job
	_, _ = repo.ConsumeFreeAttack(ctx, "req:attack:a", &domain.AttackRequested{UserID: "u1", Day: "2026-03-01"}, 3)

	_, _ = repo.RecordTradeRequest(ctx, "req:trade:a", &domain.TradeRequested{UserID: "u1", Day: "2026-03-01"})

	l, err := repo.GetDailyLedger(ctx, "u1", "2026-03-01")
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if l.AttackRequests != 5 {
		t.Errorf("attack_requests = %d, want 5", l.AttackRequests)
	}
	if l.FreeAttacksUsed != 3 || l.FreeAttackLimit != 3 {
		t.Errorf("free attacks = %d/%d, want 3/3", l.FreeAttacksUsed, l.FreeAttackLimit)
	}
	if l.TradeRequests != 1 {
		t.Errorf("trade_requests = %d, want 1", l.TradeRequests)
	}

	if _, err := repo.GetDailyLedger(ctx, "u1", "2026-03-02"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty day, got %v", err)
	}
}

func TestAggregateRepository_Analytics(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewAggregateRepository(pool)
	rec := &domain.AnalyticsRecorded{Name: "attack.requested", UserID: "u1", Attributes: map[string]string{"target": "u2"}, OccurredAt: time.Now()}

	if ok, err := repo.RecordAnalytics(ctx, "req:analytics:1", rec); err != nil || !ok {
		t.Fatalf("record analytics = %v, %v", ok, err)
	}
	if ok, _ := repo.RecordAnalytics(ctx, "req:analytics:1", rec); ok {
		t.Error("duplicate analytics job applied twice")
	}

	var count int
	_ = pool.QueryRow(ctx, "SELECT COUNT(*) FROM analytics_events").Scan(&count)
	if count != 1 {
		t.Errorf("analytics rows = %d, want 1", count)
	}
}

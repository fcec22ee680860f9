package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DayLayout formats the calendar day used to key daily aggregates (UTC).
const DayLayout = "2006-01-02"

func DayOf(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// AttackRequested is the payload of a JobAttackRequested job.
type AttackRequested struct {
	UserID      string    `json:"user_id"`
	TargetID    string    `json:"target_id"`
	Units       int       `json:"units"`
	Day         string    `json:"day"`
	RequestedAt time.Time `json:"requested_at"`
}

// TradeRequested is the payload of a JobTradeRequested job.
type TradeRequested struct {
	UserID      string          `json:"user_id"`
	Side        TradeSide       `json:"side"`
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	Day         string          `json:"day"`
	RequestedAt time.Time       `json:"requested_at"`
}

// ReferralRequested is the payload of a JobReferralRequested job.
type ReferralRequested struct {
	RefereeID   string    `json:"referee_id"`
	ReferrerID  string    `json:"referrer_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// AnalyticsRecorded is a best-effort analytics row.
type AnalyticsRecorded struct {
	Name       string            `json:"name"`
	UserID     string            `json:"user_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// AchievementProgress is the per-user counter document.
type AchievementProgress struct {
	UserID        string          `json:"user_id"`
	Attacks       int64           `json:"attacks"`
	Buys          int64           `json:"buys"`
	Sells         int64           `json:"sells"`
	BuyVolume     decimal.Decimal `json:"buy_volume"`
	SellVolume    decimal.Decimal `json:"sell_volume"`
	FirstAttackAt *time.Time      `json:"first_attack_at,omitempty"`
	LastEventAt   *time.Time      `json:"last_event_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ReferralActivity aggregates a referee's activity for their referrer.
type ReferralActivity struct {
	ReferrerID    string          `json:"referrer_id"`
	RefereeID     string          `json:"referee_id"`
	Actions       int64           `json:"actions"`
	Volume        decimal.Decimal `json:"volume"`
	FirstActiveAt *time.Time      `json:"first_active_at,omitempty"`
	LastActiveAt  *time.Time      `json:"last_active_at,omitempty"`
}

// DailyLedger holds the per-user, per-day capped counters: the free-attack
// quota and the payout cap.
type DailyLedger struct {
	UserID          string          `json:"user_id"`
	Day             string          `json:"day"`
	AttackRequests  int64           `json:"attack_requests"`
	FreeAttacksUsed int             `json:"free_attacks_used"`
	FreeAttackLimit int             `json:"free_attack_limit"`
	TradeRequests   int64           `json:"trade_requests"`
	PaidOut         decimal.Decimal `json:"paid_out"`
	PayoutCap       decimal.Decimal `json:"payout_cap"`
	CappedEvents    int64           `json:"capped_events"`
}

// ValidateUserID rejects empty or oversized identifiers.
func ValidateUserID(field, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: %s is too long", ErrInvalidInput, field)
	}
	return nil
}

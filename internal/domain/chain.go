package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// EventType identifies a game-contract event.
type EventType string

const (
	EventAttack        EventType = "attack"
	EventBuy           EventType = "buy"
	EventSell          EventType = "sell"
	EventReferralBound EventType = "referral_bound"
)

func (t EventType) Valid() bool {
	switch t {
	case EventAttack, EventBuy, EventSell, EventReferralBound:
		return true
	}
	return false
}

// SingularPerTx reports whether the contract can emit at most one event of
// this type per transaction. Only those may be keyed by the tx hash alone.
func (t EventType) SingularPerTx() bool {
	return t == EventReferralBound
}

// JobName is the queue job name used for events of this type.
func (t EventType) JobName() string {
	return "chain." + string(t)
}

// ChainEvent is a decoded game-contract log.
//
// Actor is the wallet that initiated the action. Counterparty is the attack
// target or, for referral bindings, the referee. Value is the cost of a buy
// or the payout of a sell.
type ChainEvent struct {
	Type         EventType       `json:"type"`
	TxHash       string          `json:"tx_hash"`
	LogIndex     *uint64         `json:"log_index,omitempty"`
	BlockNumber  uint64          `json:"block_number"`
	Actor        string          `json:"actor"`
	Counterparty string          `json:"counterparty,omitempty"`
	Token        string          `json:"token,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Value        decimal.Decimal `json:"value"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Validate checks the event shape and normalises hashes and addresses to
// lower case so that equal events produce equal job ids.
func (e *ChainEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e.Type)
	}
	hash, err := NormalizeTxHash(e.TxHash)
	if err != nil {
		return err
	}
	e.TxHash = hash

	if !common.IsHexAddress(e.Actor) {
		return fmt.Errorf("%w: actor must be a hex address", ErrInvalidInput)
	}
	e.Actor = NormalizeAddress(e.Actor)

	switch e.Type {
	case EventAttack, EventReferralBound:
		if !common.IsHexAddress(e.Counterparty) {
			return fmt.Errorf("%w: counterparty must be a hex address", ErrInvalidInput)
		}
		e.Counterparty = NormalizeAddress(e.Counterparty)
		if e.Type == EventReferralBound && e.Counterparty == e.Actor {
			return fmt.Errorf("%w: self referral", ErrInvalidInput)
		}
	case EventBuy, EventSell:
		if !common.IsHexAddress(e.Token) {
			return fmt.Errorf("%w: token must be a hex address", ErrInvalidInput)
		}
		e.Token = NormalizeAddress(e.Token)
	}

	if e.Amount.IsNegative() || e.Value.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}
	return nil
}

// NormalizeTxHash validates a 32-byte 0x-prefixed hash and lower-cases it.
func NormalizeTxHash(s string) (string, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return "", fmt.Errorf("%w: malformed transaction hash %q", ErrInvalidInput, s)
	}
	return common.BytesToHash(b).Hex(), nil
}

func NormalizeAddress(s string) string {
	return strings.ToLower(common.HexToAddress(s).Hex())
}

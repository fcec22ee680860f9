package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

var (
	// ErrUnknownEvent marks logs whose topic is not a game event.
	ErrUnknownEvent = errors.New("unknown game event")
	// ErrRemovedLog marks logs retracted by a reorg.
	ErrRemovedLog = errors.New("log removed by reorg")
)

var eventTypes = map[string]domain.EventType{
	"Attack":        domain.EventAttack,
	"Buy":           domain.EventBuy,
	"Sell":          domain.EventSell,
	"ReferralBound": domain.EventReferralBound,
}

// Decoder maps game-contract logs to chain events.
type Decoder struct {
	contract common.Address
	abi      abi.ABI
	byTopic  map[common.Hash]abi.Event
}

func NewDecoder(contract common.Address) (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(gameABI))
	if err != nil {
		return nil, fmt.Errorf("parse game abi: %w", err)
	}
	d := &Decoder{
		contract: contract,
		abi:      parsed,
		byTopic:  make(map[common.Hash]abi.Event, len(parsed.Events)),
	}
	for _, ev := range parsed.Events {
		d.byTopic[ev.ID] = ev
	}
	return d, nil
}

// Contract is the address whose logs are decoded.
func (d *Decoder) Contract() common.Address {
	return d.contract
}

// Topics is the topic filter matching every game event.
func (d *Decoder) Topics() [][]common.Hash {
	ids := make([]common.Hash, 0, len(d.byTopic))
	for id := range d.byTopic {
		ids = append(ids, id)
	}
	return [][]common.Hash{ids}
}

// Decode converts one log. blockTime stamps the event, since logs carry no
// timestamp of their own.
func (d *Decoder) Decode(lg types.Log, blockTime time.Time) (*domain.ChainEvent, error) {
	if lg.Removed {
		return nil, ErrRemovedLog
	}
	if lg.Address != d.contract {
		return nil, fmt.Errorf("%w: log from %s", ErrUnknownEvent, lg.Address.Hex())
	}
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("%w: anonymous log", ErrUnknownEvent)
	}
	event, ok := d.byTopic[lg.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}

	fields := make(map[string]interface{})
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("decode %s topics: %w", event.Name, err)
	}
	if len(lg.Data) > 0 {
		if err := d.abi.UnpackIntoMap(fields, event.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", event.Name, err)
		}
	}

	logIndex := uint64(lg.Index)
	ev := &domain.ChainEvent{
		Type:        eventTypes[event.Name],
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    &logIndex,
		BlockNumber: lg.BlockNumber,
		OccurredAt:  blockTime.UTC(),
	}

	var err error
	switch ev.Type {
	case domain.EventAttack:
		ev.Actor, err = addressField(fields, "attacker")
		if err == nil {
			ev.Counterparty, err = addressField(fields, "target")
		}
		if err == nil {
			ev.Amount, err = amountField(fields, "units", 0)
		}
		if err == nil {
			ev.Value, err = amountField(fields, "cost", tokenDecimals)
		}
	case domain.EventBuy, domain.EventSell:
		actorField, valueField := "buyer", "cost"
		if ev.Type == domain.EventSell {
			actorField, valueField = "seller", "payout"
		}
		ev.Actor, err = addressField(fields, actorField)
		if err == nil {
			ev.Token, err = addressField(fields, "token")
		}
		if err == nil {
			ev.Amount, err = amountField(fields, "amount", tokenDecimals)
		}
		if err == nil {
			ev.Value, err = amountField(fields, valueField, tokenDecimals)
		}
	case domain.EventReferralBound:
		ev.Actor, err = addressField(fields, "referrer")
		if err == nil {
			ev.Counterparty, err = addressField(fields, "referee")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", event.Name, err)
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func addressField(fields map[string]interface{}, name string) (string, error) {
	addr, ok := fields[name].(common.Address)
	if !ok {
		return "", fmt.Errorf("field %s is not an address", name)
	}
	return domain.NormalizeAddress(addr.Hex()), nil
}

func amountField(fields map[string]interface{}, name string, decimals int32) (decimal.Decimal, error) {
	n, ok := fields[name].(*big.Int)
	if !ok || n == nil {
		return decimal.Zero, fmt.Errorf("field %s is not an integer", name)
	}
	return decimal.NewFromBigInt(n, -decimals), nil
}

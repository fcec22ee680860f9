package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
	"github.com/archslayer/flagbase111-sub003/internal/idempotency"
)

const maxAttackUnits = 100

type AttackRequest struct {
	TargetID string `json:"target_id"`
	Units    int    `json:"units"`
}

func (req *AttackRequest) Validate(callerID string) error {
	if err := domain.ValidateUserID("target_id", req.TargetID); err != nil {
		return err
	}
	if req.TargetID == callerID {
		return fmt.Errorf("%w: cannot attack yourself", domain.ErrInvalidInput)
	}
	if req.Units < 1 || req.Units > maxAttackUnits {
		return fmt.Errorf("%w: units must be between 1 and %d", domain.ErrInvalidInput, maxAttackUnits)
	}
	return nil
}

type TradeRequest struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

func (req *TradeRequest) Validate(string) error {
	if !common.IsHexAddress(req.Token) {
		return fmt.Errorf("%w: token must be a hex address", domain.ErrInvalidInput)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	return nil
}

type ReferralRequest struct {
	ReferrerID string `json:"referrer_id"`
}

func (req *ReferralRequest) Validate(callerID string) error {
	if err := domain.ValidateUserID("referrer_id", req.ReferrerID); err != nil {
		return err
	}
	if req.ReferrerID == callerID {
		return fmt.Errorf("%w: self referral", domain.ErrInvalidInput)
	}
	return nil
}

type validatable interface {
	Validate(callerID string) error
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: invalid request body: trailing data", domain.ErrInvalidInput)
	}
	return nil
}

// requestValidator adapts a request type to the idempotency middleware so
// malformed requests are rejected before a lock is taken.
func requestValidator[T any, PT interface {
	*T
	validatable
}]() idempotency.Validator {
	return func(r *http.Request, body []byte) error {
		req := PT(new(T))
		if err := decodeStrict(body, req); err != nil {
			return err
		}
		return req.Validate(callerID(r))
	}
}

var (
	ValidateAttack   = requestValidator[AttackRequest]()
	ValidateTrade    = requestValidator[TradeRequest]()
	ValidateReferral = requestValidator[ReferralRequest]()
)

package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/warp/value-ledger/ledger"
)

// Code is a processor error category.
type Code string

const (
	CodeCardDeclined         Code = "card_declined"
	CodeInvalidPaymentMethod Code = "invalid_payment_method"
	CodeRateLimited          Code = "rate_limited"
	CodeIdempotencyConflict  Code = "idempotency_conflict"
	CodeAlreadyCaptured      Code = "charge_already_captured"
	CodeAlreadyRefunded      Code = "charge_already_refunded"
	CodeDisputed             Code = "charge_disputed"
	CodePermission           Code = "permission_revoked"
	CodeResourceMissing      Code = "resource_missing"
	CodeInvalidRequest       Code = "invalid_request"
	CodeAPI                  Code = "api_error"
)

// Error is returned by Client implementations.
type Error struct {
	Code     Code
	Message  string
	ChargeID string
}

func (e *Error) Error() string {
	if e.ChargeID != "" {
		return fmt.Sprintf("processor %s (charge %s): %s", e.Code, e.ChargeID, e.Message)
	}
	return fmt.Sprintf("processor %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a processor Error with the given code.
func IsCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// isBusinessError reports errors that say nothing about processor health.
func isBusinessError(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case CodeAPI, CodeRateLimited:
		return false
	}
	return true
}

// Classify maps a processor failure onto a ledger error. Raw provider
// errors never reach callers.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var le *ledger.Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ledger.Wrap(ledger.ErrStripeUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ledger.Wrap(ledger.ErrStripeUnavailable, err)
	}

	var pe *Error
	if !errors.As(err, &pe) {
		return ledger.Wrap(ledger.ErrStripe, err)
	}
	base := ledger.ErrStripe
	switch pe.Code {
	case CodeCardDeclined:
		base = ledger.ErrStripeCardDeclined
	case CodeInvalidPaymentMethod:
		base = ledger.ErrStripeInvalidPayment
	case CodeRateLimited:
		base = ledger.ErrStripeRateLimited
	case CodeIdempotencyConflict:
		base = ledger.ErrStripeIdempotency
	case CodeDisputed:
		base = ledger.ErrStripeChargeDisputed
	case CodePermission:
		base = ledger.ErrStripePermission
	case CodeResourceMissing:
		base = ledger.ErrStripeChargeNotFound
	}
	e := ledger.Wrap(base, err)
	e.Message = pe.Message
	return e
}

/*
errors.go - Error taxonomy for the ledger

PURPOSE:
  Every error that crosses a package boundary is a *Error carrying a Kind
  (which decides the HTTP status) and a machine-readable MessageCode.
  Callers compare with errors.Is against the sentinel values below; two
  *Error values match when their MessageCodes match.

ERROR KINDS:
  1. Validation  - malformed request or rule/balance semantic violation (422)
  2. Conflict    - business state forbids the operation (409)
  3. NotFound    - unknown value or transaction (404)
  4. External    - card processor failure mapped to our own codes (424/429/502)
  5. Unexpected  - anything else; logged and reported (500)

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) { ... }
  return ledger.Errorf(ledger.ErrValueFrozen, "value %q is frozen", id)

SEE ALSO:
  - api/errors.go: Maps Kind/Status onto HTTP responses
  - processor/errors.go: Classifies processor failures into these codes
*/
package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindExternal   Kind = "external"
	KindUnexpected Kind = "unexpected"
)

type MessageCode string

// Error is the structured error type of the ledger.
type Error struct {
	Kind    Kind
	Code    MessageCode
	Message string
	// Status overrides the Kind's default HTTP status when non-zero.
	Status int
	// Replannable marks a failure caused only by state that moved between
	// planning and locking; retrying with a fresh plan may succeed.
	Replannable bool
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on MessageCode so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// HTTPStatus returns the response status for this error.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExternal:
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

func sentinel(kind Kind, code MessageCode, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	// Validation
	ErrInvalidRequest                 = sentinel(KindValidation, "InvalidRequest", "invalid request")
	ErrInvalidRule                    = sentinel(KindValidation, "InvalidRule", "rule does not compile")
	ErrBalanceRuleAndBalance          = sentinel(KindValidation, "BalanceRuleAndBalance", "a value cannot have both a balance and a balance rule")
	ErrForgiveSubMinAmountUnsupported = sentinel(KindValidation, "ForgiveSubMinAmountUnsupported", "forgiving sub-minimum processor amounts is not supported")

	// Conflict
	ErrInsufficientBalance       = sentinel(KindConflict, "InsufficientBalance", "insufficient balance")
	ErrInsufficientUsesRemaining = sentinel(KindConflict, "InsufficientUsesRemaining", "insufficient uses remaining")
	ErrWrongCurrency             = sentinel(KindConflict, "WrongCurrency", "currency mismatch")
	ErrValueCanceled             = sentinel(KindConflict, "ValueCanceled", "value is canceled")
	ErrValueFrozen               = sentinel(KindConflict, "ValueFrozen", "value is frozen")
	ErrValueInactive             = sentinel(KindConflict, "ValueInactive", "value is inactive")
	ErrValueNotStarted           = sentinel(KindConflict, "ValueNotStarted", "value has not started")
	ErrValueExpired              = sentinel(KindConflict, "ValueExpired", "value has expired")
	ErrValueHasBalanceRule       = sentinel(KindConflict, "ValueHasBalanceRule", "value balance is computed by a rule")
	ErrValueInUse                = sentinel(KindConflict, "ValueInUse", "value is referenced by transactions")
	ErrValueExists               = sentinel(KindConflict, "ValueExists", "value already exists")
	ErrBalanceTooLarge           = sentinel(KindConflict, "BalanceTooLarge", "balance exceeds the representable maximum")
	ErrInvalidParty              = sentinel(KindConflict, "InvalidParty", "could not resolve party to a transactable balance")
	ErrTransactionExists         = sentinel(KindConflict, "TransactionExists", "transaction already exists")
	ErrStripeAmountTooSmall      = sentinel(KindConflict, "StripeAmountTooSmall", "processor amount is below the minimum chargeable amount")
	ErrTransactionNotPending     = sentinel(KindConflict, "TransactionNotPending", "transaction is not pending")
	ErrTransactionPending        = sentinel(KindConflict, "TransactionPending", "pending transactions must be captured or voided")
	ErrTransactionCaptured       = sentinel(KindConflict, "TransactionCaptured", "transaction has been captured")
	ErrTransactionVoided         = sentinel(KindConflict, "TransactionVoided", "transaction has been voided")
	ErrTransactionReversed       = sentinel(KindConflict, "TransactionReversed", "transaction has been reversed")
	ErrTransactionNotReversible  = sentinel(KindConflict, "TransactionNotReversible", "transaction type cannot be reversed")
	ErrPendingExpired            = sentinel(KindConflict, "TransactionPendingExpired", "pending transaction passed its void date")
	ErrChainModified             = sentinel(KindConflict, "TransactionChainModified", "transaction chain changed concurrently")
	ErrStripeCardDeclined        = sentinel(KindConflict, "StripeCardDeclined", "card declined")
	ErrStripeInvalidPayment      = sentinel(KindConflict, "StripeInvalidPaymentMethod", "invalid payment method")
	ErrStripeIdempotency         = sentinel(KindConflict, "StripeIdempotencyConflict", "processor idempotency key reused with different parameters")
	ErrStripeChargeDisputed      = sentinel(KindConflict, "StripeChargeDisputed", "charge is disputed and cannot be refunded")

	// Immutable
	ErrTransactionImmutable = &Error{Kind: KindConflict, Code: "TransactionImmutable", Message: "transactions cannot be modified or deleted", Status: http.StatusForbidden}

	// Not found
	ErrValueNotFound       = sentinel(KindNotFound, "ValueNotFound", "value not found")
	ErrTransactionNotFound = sentinel(KindNotFound, "TransactionNotFound", "transaction not found")

	// External
	ErrStripeRateLimited      = &Error{Kind: KindExternal, Code: "StripeRateLimited", Message: "card processor rate limit reached", Status: http.StatusTooManyRequests}
	ErrStripePermission       = sentinel(KindExternal, "StripePermissionError", "card processor permission revoked")
	ErrStripeChargeNotFound   = sentinel(KindExternal, "StripeChargeNotFound", "card processor record missing")
	ErrStripeUnavailable      = &Error{Kind: KindExternal, Code: "StripeUnavailable", Message: "card processor unavailable", Status: http.StatusBadGateway}
	ErrStripe                 = &Error{Kind: KindExternal, Code: "StripeError", Message: "card processor error", Status: http.StatusBadGateway}

	// Unexpected
	ErrUnexpected         = sentinel(KindUnexpected, "Unexpected", "unexpected error")
	ErrStepPersistFailed  = sentinel(KindUnexpected, "TransactionStepPersistFailed", "processor step could not be persisted")
	ErrCompensationFailed = sentinel(KindUnexpected, "CompensationFailed", "compensating action failed")
)

// Errorf returns a copy of the sentinel with a formatted message.
func Errorf(base *Error, format string, args ...any) *Error {
	e := *base
	e.Message = fmt.Sprintf(format, args...)
	return &e
}

// Wrap returns a copy of the sentinel carrying err as its cause.
func Wrap(base *Error, err error) *Error {
	e := *base
	e.Err = err
	return &e
}

// AsReplannable marks a copy of e as replannable.
func AsReplannable(e *Error) *Error {
	c := *e
	c.Replannable = true
	return &c
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the Kind of err, KindUnexpected for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsClientError returns true if the error is due to the request or the
// business state rather than a failure of ours.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindConflict || k == KindNotFound
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsReplannable returns true if a fresh plan may succeed.
func IsReplannable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Replannable
}

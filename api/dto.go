/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON bodies of the REST surface and their conversion into
  engine requests. Committed transactions and values are rendered with the
  ledger package's own JSON tags, so only inputs and envelopes live here.

NAMING CONVENTION:
  - *Request: request body types from clients
  - *Response: envelopes wrapping ledger types

VALIDATION:
  DTOs only carry data. Field rules (required id, amount ranges, currency)
  are enforced by the engine so every transport gets the same errors.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/engine.go: Request types these convert into
*/
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/value-ledger/engine"
	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateValueRequest is the body of POST /values.
type CreateValueRequest struct {
	ID                      string           `json:"id"`
	Currency                string           `json:"currency"`
	Balance                 *int64           `json:"balance"`
	UsesRemaining           *int64           `json:"usesRemaining"`
	BalanceRule             *ledger.Rule     `json:"balanceRule"`
	RedemptionRule          *ledger.Rule     `json:"redemptionRule"`
	Discount                bool             `json:"discount"`
	DiscountSellerLiability *decimal.Decimal `json:"discountSellerLiability"`
	Pretax                  bool             `json:"pretax"`
	Active                  *bool            `json:"active"`
	Frozen                  bool             `json:"frozen"`
	StartDate               *time.Time       `json:"startDate"`
	EndDate                 *time.Time       `json:"endDate"`
	ProgramID               string           `json:"programId"`
	ContactID               string           `json:"contactId"`
	Code                    string           `json:"code"`
	IsGenericCode           bool             `json:"isGenericCode"`
	Metadata                map[string]any   `json:"metadata"`
}

func (r CreateValueRequest) toEngine(createdBy string) engine.IssueValueRequest {
	return engine.IssueValueRequest{
		ID:                      r.ID,
		Currency:                r.Currency,
		Balance:                 r.Balance,
		UsesRemaining:           r.UsesRemaining,
		BalanceRule:             r.BalanceRule,
		RedemptionRule:          r.RedemptionRule,
		Discount:                r.Discount,
		DiscountSellerLiability: r.DiscountSellerLiability,
		Pretax:                  r.Pretax,
		Active:                  r.Active,
		Frozen:                  r.Frozen,
		StartDate:               r.StartDate,
		EndDate:                 r.EndDate,
		ProgramID:               r.ProgramID,
		ContactID:               r.ContactID,
		Code:                    r.Code,
		IsGenericCode:           r.IsGenericCode,
		Metadata:                r.Metadata,
		CreatedBy:               createdBy,
	}
}

// commonFields are shared by every transaction-creating body.
type commonFields struct {
	ID       string         `json:"id"`
	Currency string         `json:"currency"`
	Simulate bool           `json:"simulate"`
	Metadata map[string]any `json:"metadata"`
}

func (c commonFields) toEngine(createdBy string) engine.Common {
	return engine.Common{
		ID:        c.ID,
		Currency:  c.Currency,
		Simulate:  c.Simulate,
		Metadata:  c.Metadata,
		CreatedBy: createdBy,
	}
}

type pendingFields struct {
	// Pending is either a boolean or an RFC 3339 void date.
	Pending *PendingFlag `json:"pending"`
}

func (p pendingFields) toEngine() engine.Pending {
	if p.Pending == nil {
		return engine.Pending{}
	}
	return engine.Pending{Pending: p.Pending.Pending, VoidDate: p.Pending.VoidDate}
}

// PendingFlag accepts `true`, `false` or a void date string.
type PendingFlag struct {
	Pending  bool
	VoidDate *time.Time
}

func (p *PendingFlag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*p = PendingFlag{Pending: b}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("pending must be a boolean or a date")
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("pending must be a boolean or an RFC 3339 date: %w", err)
	}
	*p = PendingFlag{Pending: true, VoidDate: &at}
	return nil
}

// CreditRequest is the body of POST /transactions/credit.
type CreditRequest struct {
	commonFields
	Amount        int64        `json:"amount"`
	UsesRemaining *int64       `json:"uses"`
	Destination   ledger.Party `json:"destination"`
}

// DebitRequest is the body of POST /transactions/debit.
type DebitRequest struct {
	commonFields
	pendingFields
	Amount         int64        `json:"amount"`
	UsesRemaining  *int64       `json:"uses"`
	Source         ledger.Party `json:"source"`
	AllowRemainder bool         `json:"allowRemainder"`
}

// TransferRequest is the body of POST /transactions/transfer.
type TransferRequest struct {
	commonFields
	pendingFields
	Amount         int64        `json:"amount"`
	Source         ledger.Party `json:"source"`
	Destination    ledger.Party `json:"destination"`
	AllowRemainder bool         `json:"allowRemainder"`
}

// CheckoutRequest is the body of POST /transactions/checkout.
type CheckoutRequest struct {
	commonFields
	pendingFields
	LineItems      []ledger.LineItem  `json:"lineItems"`
	Sources        []ledger.Party     `json:"sources"`
	AllowRemainder bool               `json:"allowRemainder"`
	Tax            *ledger.TaxRequest `json:"tax"`
}

// ChainRequest is the body of POST /transactions/{id}/capture|void|reverse.
type ChainRequest struct {
	ID       string         `json:"id"`
	Simulate bool           `json:"simulate"`
	Metadata map[string]any `json:"metadata"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ListResponse is one page of a cursor-paginated listing.
type ListResponse[T any] struct {
	Items      []T                     `json:"items"`
	Pagination ledger.CursorPagination `json:"pagination"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Status      int    `json:"status"`
	Message     string `json:"message"`
	MessageCode string `json:"messageCode,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

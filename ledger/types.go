/*
Package ledger provides the core data model of the value ledger.

PURPOSE:
  Holds the types shared by every layer: Values (named balances),
  Transactions (immutable ledger entries), their per-rail Steps, and the
  totals a checkout produces. Persistence and transport packages depend on
  this package; it depends on nothing but the standard library and decimal.

KEY CONCEPTS IN THIS FILE (types.go):
  - Value: a balance denominated in a currency, literal or rule-computed
  - Transaction: an immutable entry; chained by RootTransactionID/NextTransactionID
  - Totals: the checkout arithmetic (subtotal, tax, payable, paid*, remainder)
  - LineItem: one purchased line in a checkout

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never edited, only followed by a
     capture, void or reverse that links in as NextTransactionID
  2. Integer minor units: every amount is an int64 in the currency's
     smallest unit; fractional math (tax, rates, rules) uses decimal
  3. Tagged steps: a Step is one of LightrailStep, StripeStep, InternalStep

SEE ALSO:
  - steps.go: Step variants
  - errors.go: Error taxonomy and message codes
  - store.go: Persistence contracts
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxBalance is the largest balance a Value may hold (2^53-1, the largest
// integer clients can represent exactly in JSON).
const MaxBalance int64 = 1<<53 - 1

// =============================================================================
// VALUE - A named balance
// =============================================================================

// Rule is a formula evaluated per line item plus its human explanation.
type Rule struct {
	Rule        string `json:"rule"`
	Explanation string `json:"explanation"`
}

// Value is a balance a merchant's customer can spend against.
//
// INVARIANTS:
//   - Balance and UsesRemaining, when non-nil, are never negative after a
//     committed step.
//   - A Value with a BalanceRule never carries a literal Balance.
type Value struct {
	ID                      string           `json:"id"`
	Currency                string           `json:"currency"`
	Balance                 *int64           `json:"balance"`
	UsesRemaining           *int64           `json:"usesRemaining"`
	BalanceRule             *Rule            `json:"balanceRule,omitempty"`
	RedemptionRule          *Rule            `json:"redemptionRule,omitempty"`
	Discount                bool             `json:"discount"`
	DiscountSellerLiability *decimal.Decimal `json:"discountSellerLiability,omitempty"`
	Pretax                  bool             `json:"pretax"`
	Active                  bool             `json:"active"`
	Frozen                  bool             `json:"frozen"`
	Canceled                bool             `json:"canceled"`
	StartDate               *time.Time       `json:"startDate"`
	EndDate                 *time.Time       `json:"endDate"`
	ProgramID               string           `json:"programId,omitempty"`
	ContactID               string           `json:"contactId,omitempty"`
	IsGenericCode           bool             `json:"isGenericCode"`
	CodeHashed              string           `json:"-"`
	CodeLastFour            string           `json:"code,omitempty"`
	Metadata                map[string]any   `json:"metadata,omitempty"`
	CreatedDate             time.Time        `json:"createdDate"`
	UpdatedDate             time.Time        `json:"updatedDate"`
	CreatedBy               string           `json:"createdBy"`
}

// HasBalanceRule reports whether the value's balance is computed per use.
func (v *Value) HasBalanceRule() bool {
	return v.BalanceRule != nil && v.BalanceRule.Rule != ""
}

// Transactable returns the reason the value cannot be transacted against at
// the given time in the given currency, or nil.
func (v *Value) Transactable(currency string, at time.Time) error {
	switch {
	case v.Currency != currency:
		return Errorf(ErrWrongCurrency, "value %q is in currency %s, not %s", v.ID, v.Currency, currency)
	case v.Canceled:
		return Errorf(ErrValueCanceled, "value %q is canceled", v.ID)
	case v.Frozen:
		return Errorf(ErrValueFrozen, "value %q is frozen", v.ID)
	case !v.Active:
		return Errorf(ErrValueInactive, "value %q is inactive", v.ID)
	case v.StartDate != nil && at.Before(*v.StartDate):
		return Errorf(ErrValueNotStarted, "value %q cannot be used before %s", v.ID, v.StartDate.Format(time.RFC3339))
	case v.EndDate != nil && !at.Before(*v.EndDate):
		return Errorf(ErrValueExpired, "value %q expired on %s", v.ID, v.EndDate.Format(time.RFC3339))
	}
	return nil
}

// HasUsesRemaining reports whether the value can be used at least once more.
func (v *Value) HasUsesRemaining() bool {
	return v.UsesRemaining == nil || *v.UsesRemaining > 0
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	TxInitialBalance TransactionType = "initialBalance"
	TxCredit         TransactionType = "credit"
	TxDebit          TransactionType = "debit"
	TxCheckout       TransactionType = "checkout"
	TxTransfer       TransactionType = "transfer"
	TxCapture        TransactionType = "capture"
	TxVoid           TransactionType = "void"
	TxReverse        TransactionType = "reverse"
	TxAttach         TransactionType = "attach"
)

// RoundingMode selects how fractional tax is rounded to minor units.
type RoundingMode string

const (
	RoundHalfEven RoundingMode = "HALF_EVEN"
	RoundHalfUp   RoundingMode = "HALF_UP"
)

// Round rounds d to a whole number of minor units.
func (m RoundingMode) Round(d decimal.Decimal) int64 {
	if m == RoundHalfUp {
		return d.Round(0).IntPart()
	}
	return d.RoundBank(0).IntPart()
}

// TaxRequest holds the per-request tax settings.
type TaxRequest struct {
	RoundingMode RoundingMode `json:"roundingMode"`
}

// Marketplace totals are present only when a line item carries a
// marketplace rate.
type Marketplace struct {
	SellerGross    int64 `json:"sellerGross"`
	SellerNet      int64 `json:"sellerNet"`
	SellerDiscount int64 `json:"sellerDiscount"`
}

// Totals is the arithmetic summary of a transaction.
//
// For a checkout: PaidLightrail + PaidStripe + PaidInternal + Remainder +
// Forgiven == Payable, and Payable == Subtotal - Discount + Tax.
type Totals struct {
	Subtotal          int64        `json:"subtotal"`
	Tax               int64        `json:"tax"`
	Discount          int64        `json:"discount"`
	DiscountLightrail int64        `json:"discountLightrail"`
	Payable           int64        `json:"payable"`
	PaidLightrail     int64        `json:"paidLightrail"`
	PaidStripe        int64        `json:"paidStripe"`
	PaidInternal      int64        `json:"paidInternal"`
	Remainder         int64        `json:"remainder"`
	Forgiven          int64        `json:"forgiven"`
	Marketplace       *Marketplace `json:"marketplace,omitempty"`
}

// Negate returns totals with every numeric key sign-flipped.
func (t *Totals) Negate() *Totals {
	if t == nil {
		return nil
	}
	n := &Totals{
		Subtotal:          -t.Subtotal,
		Tax:               -t.Tax,
		Discount:          -t.Discount,
		DiscountLightrail: -t.DiscountLightrail,
		Payable:           -t.Payable,
		PaidLightrail:     -t.PaidLightrail,
		PaidStripe:        -t.PaidStripe,
		PaidInternal:      -t.PaidInternal,
		Remainder:         -t.Remainder,
		Forgiven:          -t.Forgiven,
	}
	if t.Marketplace != nil {
		n.Marketplace = &Marketplace{
			SellerGross:    -t.Marketplace.SellerGross,
			SellerNet:      -t.Marketplace.SellerNet,
			SellerDiscount: -t.Marketplace.SellerDiscount,
		}
	}
	return n
}

// LineTotal is the computed arithmetic of one line item.
type LineTotal struct {
	Subtotal  int64 `json:"subtotal"`
	Taxable   int64 `json:"taxable"`
	Tax       int64 `json:"tax"`
	Discount  int64 `json:"discount"`
	Remainder int64 `json:"remainder"`
	Payable   int64 `json:"payable"`
}

// LineItem is one purchased line of a checkout.
type LineItem struct {
	Type            string           `json:"type,omitempty"`
	ProductID       string           `json:"productId,omitempty"`
	VariantID       string           `json:"variantId,omitempty"`
	UnitPrice       int64            `json:"unitPrice"`
	Quantity        int64            `json:"quantity"`
	TaxRate         *decimal.Decimal `json:"taxRate,omitempty"`
	MarketplaceRate *decimal.Decimal `json:"marketplaceRate,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	LineTotal       *LineTotal       `json:"lineTotal,omitempty"`
}

// Transaction is an immutable ledger entry once committed.
//
// INVARIANTS:
//   - A pending transaction has a non-nil PendingVoidDate and a nil
//     NextTransactionID until it is captured or voided.
//   - Steps sum, per rail, to the corresponding total.
type Transaction struct {
	ID                string          `json:"id"`
	TransactionType   TransactionType `json:"transactionType"`
	Currency          string          `json:"currency"`
	Totals            *Totals         `json:"totals,omitempty"`
	LineItems         []LineItem      `json:"lineItems,omitempty"`
	Steps             Steps           `json:"steps"`
	PaymentSources    []Party         `json:"paymentSources,omitempty"`
	Tax               *TaxRequest     `json:"tax,omitempty"`
	Pending           bool            `json:"pending"`
	PendingVoidDate   *time.Time      `json:"pendingVoidDate,omitempty"`
	RootTransactionID string          `json:"rootTransactionId"`
	NextTransactionID *string         `json:"nextTransactionId"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	CreatedDate       time.Time       `json:"createdDate"`
	CreatedBy         string          `json:"createdBy"`
}

// IsLinked reports whether a successor transaction exists.
func (t *Transaction) IsLinked() bool {
	return t.NextTransactionID != nil && *t.NextTransactionID != ""
}

// =============================================================================
// PARTIES - Abstract payment-source descriptors
// =============================================================================

// Rail identifies one of the funding mechanisms.
type Rail string

const (
	RailLightrail Rail = "lightrail"
	RailStripe    Rail = "stripe"
	RailInternal  Rail = "internal"
)

// Party is an abstract funding source or destination as a caller names it.
// Which fields apply depends on Rail.
type Party struct {
	Rail Rail `json:"rail"`

	// lightrail
	ValueID   string `json:"valueId,omitempty"`
	Code      string `json:"code,omitempty"`
	ContactID string `json:"contactId,omitempty"`

	// stripe
	Source              string `json:"source,omitempty"`
	Customer            string `json:"customer,omitempty"`
	MaxAmount           *int64 `json:"maxAmount,omitempty"`
	MinAmount           *int64 `json:"minAmount,omitempty"`
	ForgiveSubMinAmount bool   `json:"forgiveSubMinAmount,omitempty"`

	// internal
	InternalID      string `json:"internalId,omitempty"`
	Balance         *int64 `json:"balance,omitempty"`
	BeforeLightrail bool   `json:"beforeLightrail,omitempty"`
}

// Redacted returns a copy of the party safe to persist: secret codes are
// reduced to their last four characters.
func (p Party) Redacted() Party {
	if p.Code != "" {
		p.Code = LastFour(p.Code)
	}
	return p
}

// LastFour returns the trailing four characters of a code prefixed by an
// ellipsis, or the code itself when it is shorter.
func LastFour(code string) string {
	if len(code) <= 4 {
		return code
	}
	return "…" + code[len(code)-4:]
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }

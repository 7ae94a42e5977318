/*
Package engine is the transaction engine of the value ledger.

PURPOSE:
  Turns a payment request into an atomically applied set of balance changes
  and card charges, and governs the capture/void/reverse chain of committed
  transactions.

PIPELINE (per request):
  Resolver  (resolver.go)  abstract parties -> plan steps with snapshots
  Planner   (checkout.go)  line items + steps -> quantified Plan
  Executor  (executor.go)  Plan -> committed Transaction, with compensation
  Chain     (chain.go)     capture / void / reverse / chain lookup

CONSISTENCY MODEL:
  The ledger database and the card processor cannot share a transaction.
  Creation commits the ledger first (so a duplicate id never reaches the
  processor), then charges with deterministic idempotency keys. When a
  charge fails after the ledger commit, the engine refunds what it charged
  and appends an explicit reversing transaction. A failing compensation is
  reported and surfaced as CompensationFailed; it is never retried silently.

REPLANNING:
  A plan is computed from unlocked reads. If, once the rows are locked, a
  balance has moved far enough to make the plan invalid, the database
  transaction aborts with a replannable error and the request is planned
  again, up to Config.MaxReplanAttempts times.

SEE ALSO:
  - ledger/: Data model and store contracts
  - processor/: Card processor contract
*/
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/value-ledger/ledger"
	"github.com/warp/value-ledger/processor"
	"github.com/warp/value-ledger/rules"
	"github.com/warp/value-ledger/telemetry"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// MinProcessorCharge is the smallest non-zero card charge, in minor
	// units, unless a party sets its own minAmount.
	MinProcessorCharge int64
	// DefaultPendingVoidWindow is how long a pending transaction waits for
	// capture when the request names no void date.
	DefaultPendingVoidWindow time.Duration
	// MaxPendingVoidWindow bounds a requested void date.
	MaxPendingVoidWindow time.Duration
	// MaxReplanAttempts bounds planning attempts per request.
	MaxReplanAttempts int
}

func DefaultConfig() Config {
	return Config{
		MinProcessorCharge:       50,
		DefaultPendingVoidWindow: 14 * 24 * time.Hour,
		MaxPendingVoidWindow:     30 * 24 * time.Hour,
		MaxReplanAttempts:        3,
	}
}

// RuleEvaluator evaluates balance and redemption rules.
type RuleEvaluator interface {
	Validate(src string) error
	Number(src string, c rules.Context) (decimal.Decimal, error)
	Bool(src string, c rules.Context) (bool, error)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     ledger.Store
	processor processor.Client
	rules     RuleEvaluator
	codes     ledger.CodeHasher
	log       *zap.Logger
	reporter  telemetry.ErrorReporter
	metrics   *telemetry.Metrics
	cfg       Config
	now       func() time.Time
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithReporter(r telemetry.ErrorReporter) Option { return func(e *Engine) { e.reporter = r } }
func WithCodeHasher(h ledger.CodeHasher) Option { return func(e *Engine) { e.codes = h } }
func WithRules(r RuleEvaluator) Option { return func(e *Engine) { e.rules = r } }
func WithConfig(c Config) Option { return func(e *Engine) { e.cfg = c } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(store ledger.Store, proc processor.Client, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		processor: proc,
		rules:     rules.NewEvaluator(),
		codes:     ledger.HMACCodeHasher{},
		log:       zap.NewNop(),
		cfg:       DefaultConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("engine")
	if e.reporter == nil {
		e.reporter = telemetry.NewLogReporter(e.log)
	}
	if e.cfg.MaxReplanAttempts < 1 {
		e.cfg.MaxReplanAttempts = 1
	}
	return e
}

// Result is the outcome of a mutating operation. Created is false for
// simulations and for idempotent replays that return an existing
// transaction.
type Result struct {
	Transaction *ledger.Transaction
	Created     bool
}

// =============================================================================
// REQUESTS
// =============================================================================

// Common holds the fields shared by every creation request.
type Common struct {
	ID        string
	Currency  string
	Simulate  bool
	Metadata  map[string]any
	CreatedBy string
}

// Pending requests reserve funds until captured or voided.
type Pending struct {
	Pending bool
	// VoidDate overrides the default window when set.
	VoidDate *time.Time
}

type CreditRequest struct {
	Common
	Amount        int64
	UsesRemaining *int64
	Destination   ledger.Party
}

type DebitRequest struct {
	Common
	Pending
	Amount         int64
	UsesRemaining  *int64
	Source         ledger.Party
	AllowRemainder bool
}

type TransferRequest struct {
	Common
	Pending
	Amount         int64
	Source         ledger.Party
	Destination    ledger.Party
	AllowRemainder bool
}

type CheckoutRequest struct {
	Common
	Pending
	LineItems      []ledger.LineItem
	Sources        []ledger.Party
	AllowRemainder bool
	Tax            *ledger.TaxRequest
}

// ChainRequest targets an existing transaction with a capture, void or
// reverse producing NewID.
type ChainRequest struct {
	ID        string
	NewID     string
	Simulate  bool
	Metadata  map[string]any
	CreatedBy string
}

// maxIDLength bounds caller-supplied transaction and value ids.
const maxIDLength = 64

func (c Common) validate() error {
	switch {
	case c.ID == "":
		return ledger.Errorf(ledger.ErrInvalidRequest, "id is required")
	case len(c.ID) > maxIDLength:
		return ledger.Errorf(ledger.ErrInvalidRequest, "id must be at most %d characters", maxIDLength)
	case c.Currency == "":
		return ledger.Errorf(ledger.ErrInvalidRequest, "currency is required")
	}
	return nil
}

// voidDate resolves the pending void date of a new transaction.
func (e *Engine) voidDate(p Pending, now time.Time) (*time.Time, error) {
	if !p.Pending {
		if p.VoidDate != nil {
			return nil, ledger.Errorf(ledger.ErrInvalidRequest, "pendingVoidDate requires pending")
		}
		return nil, nil
	}
	at := now.Add(e.cfg.DefaultPendingVoidWindow)
	if p.VoidDate != nil {
		at = p.VoidDate.UTC()
	}
	if !at.After(now) {
		return nil, ledger.Errorf(ledger.ErrInvalidRequest, "pendingVoidDate must be in the future")
	}
	if at.After(now.Add(e.cfg.MaxPendingVoidWindow)) {
		return nil, ledger.Errorf(ledger.ErrInvalidRequest, "pendingVoidDate may be at most %s away", e.cfg.MaxPendingVoidWindow)
	}
	return &at, nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// ListTransactions returns one page with its cursors.
func (e *Engine) ListTransactions(ctx context.Context, q ledger.TransactionQuery) (*ledger.TransactionPage, ledger.CursorPagination, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		return nil, ledger.CursorPagination{}, ledger.Errorf(ledger.ErrInvalidRequest, "limit must be at most 1000")
	}
	page, err := e.store.ListTransactions(ctx, q)
	if err != nil {
		return nil, ledger.CursorPagination{}, err
	}
	cursors, err := ledger.CalculateCursor(q.Cursor, page)
	if err != nil {
		return nil, ledger.CursorPagination{}, err
	}
	return page, cursors, nil
}

// =============================================================================
// RUN LOOP
// =============================================================================

// run plans and executes one creation request, replanning when the locked
// state no longer matches the plan.
func (e *Engine) run(ctx context.Context, txType ledger.TransactionType, simulate bool, build func(ctx context.Context) (*Plan, error)) (*Result, error) {
	for attempt := 1; ; attempt++ {
		plan, err := build(ctx)
		if err != nil {
			return nil, e.fail(ctx, txType, err)
		}
		if simulate {
			e.metrics.TransactionOutcome(string(txType), "simulated")
			return &Result{Transaction: plan.simulate()}, nil
		}

		tx, err := e.execute(ctx, plan)
		if err != nil && ledger.IsReplannable(err) && attempt < e.cfg.MaxReplanAttempts {
			e.metrics.Replanned()
			e.log.Info("replanning after state moved under the plan",
				zap.String("transactionId", plan.ID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, e.fail(ctx, txType, err)
		}
		e.metrics.TransactionOutcome(string(txType), "created")
		e.log.Info("transaction created",
			zap.String("transactionId", tx.ID), zap.String("type", string(txType)), zap.Bool("pending", tx.Pending))
		return &Result{Transaction: tx, Created: true}, nil
	}
}

// fail records and logs err and normalises foreign errors to Unexpected.
func (e *Engine) fail(ctx context.Context, txType ledger.TransactionType, err error) error {
	var le *ledger.Error
	if !errors.As(err, &le) {
		le = ledger.Wrap(ledger.ErrUnexpected, err)
		err = le
	}
	e.metrics.TransactionOutcome(string(txType), string(le.Code))

	switch le.Kind {
	case ledger.KindUnexpected:
		e.log.Error("transaction failed", zap.String("type", string(txType)), zap.Error(err))
		if le.Code == ledger.ErrCompensationFailed.Code {
			break // already reported by compensate
		}
		e.reporter.CaptureException(ctx, err, map[string]string{
			"component": "engine", "transactionType": string(txType), "messageCode": string(le.Code),
		})
	case ledger.KindExternal:
		e.log.Warn("transaction failed at the card processor", zap.String("type", string(txType)), zap.Error(err))
	default:
		e.log.Debug("transaction rejected", zap.String("type", string(txType)), zap.Error(err))
	}
	return err
}

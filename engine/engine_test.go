package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/value-ledger/engine"
	"github.com/warp/value-ledger/ledger"
	"github.com/warp/value-ledger/ledger/store"
	"github.com/warp/value-ledger/processor"
	"github.com/warp/value-ledger/processor/sandbox"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	ctx   context.Context
	store *store.Memory
	proc  *sandbox.Processor
	eng   *engine.Engine
	now   time.Time
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	proc, err := sandbox.Open(filepath.Join(t.TempDir(), "sandbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { proc.Close() })

	f := &fixture{
		ctx:   context.Background(),
		store: store.NewMemory(),
		proc:  proc,
		now:   time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC),
	}
	base := []engine.Option{
		engine.WithClock(func() time.Time { return f.now }),
		engine.WithCodeHasher(ledger.HMACCodeHasher{Secret: []byte("test-secret")}),
	}
	f.eng = engine.New(f.store, proc, append(base, opts...)...)
	return f
}

// advance moves the clock so creation order is unambiguous.
func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) issue(t *testing.T, id string, balance int64, mods ...func(*engine.IssueValueRequest)) *ledger.Value {
	t.Helper()
	req := engine.IssueValueRequest{ID: id, Currency: "USD", Balance: ledger.Int64(balance)}
	for _, mod := range mods {
		mod(&req)
	}
	v, err := f.eng.IssueValue(f.ctx, req)
	require.NoError(t, err)
	f.advance(time.Second)
	return v
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	v, err := f.eng.GetValue(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, v.Balance)
	return *v.Balance
}

func valueParty(id string) ledger.Party {
	return ledger.Party{Rail: ledger.RailLightrail, ValueID: id}
}

func cardParty(token string) ledger.Party {
	return ledger.Party{Rail: ledger.RailStripe, Source: token}
}

func item(unitPrice int64) ledger.LineItem {
	return ledger.LineItem{UnitPrice: unitPrice, Quantity: 1}
}

func rate(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func checkout(id string, items []ledger.LineItem, sources ...ledger.Party) engine.CheckoutRequest {
	return engine.CheckoutRequest{
		Common:    engine.Common{ID: id, Currency: "USD"},
		LineItems: items,
		Sources:   sources,
	}
}

func assertConserved(t *testing.T, totals *ledger.Totals) {
	t.Helper()
	paid := totals.PaidLightrail + totals.PaidStripe + totals.PaidInternal + totals.Remainder + totals.Forgiven
	assert.Equal(t, totals.Payable, paid, "paid + remainder + forgiven == payable")
	assert.Equal(t, totals.Subtotal-totals.Discount+totals.Tax, totals.Payable)
}

func stripeStepsOf(tx *ledger.Transaction) []*ledger.StripeStep {
	var out []*ledger.StripeStep
	for _, s := range tx.Steps {
		if st, ok := s.(*ledger.StripeStep); ok {
			out = append(out, st)
		}
	}
	return out
}

// =============================================================================
// CHECKOUT PLANNER
// =============================================================================

func TestCheckout_SplitsAcrossValueAndCard(t *testing.T) {
	// GIVEN: A gift card holding 1000 and a card
	f := newFixture(t)
	f.issue(t, "gc-1", 1000)

	// WHEN: Checking out 1500 with the gift card first
	res, err := f.eng.Checkout(f.ctx, checkout("co-1", []ledger.LineItem{item(1500)},
		valueParty("gc-1"), cardParty(sandbox.TokenVisa)))

	// THEN: The gift card is drained and the card pays the rest
	require.NoError(t, err)
	require.True(t, res.Created)
	tx := res.Transaction
	assert.Equal(t, int64(1500), tx.Totals.Payable)
	assert.Equal(t, int64(1000), tx.Totals.PaidLightrail)
	assert.Equal(t, int64(500), tx.Totals.PaidStripe)
	assertConserved(t, tx.Totals)
	assert.Equal(t, int64(0), f.balance(t, "gc-1"))

	require.Len(t, tx.Steps, 2)
	ls := tx.Steps[0].(*ledger.LightrailStep)
	assert.Equal(t, int64(-1000), ls.BalanceChange)
	assert.Equal(t, int64(1000), *ls.BalanceBefore)
	assert.Equal(t, int64(0), *ls.BalanceAfter)

	ss := tx.Steps[1].(*ledger.StripeStep)
	assert.Equal(t, int64(-500), ss.Amount)
	assert.NotEmpty(t, ss.ChargeID)

	ch, err := f.proc.GetCharge(f.ctx, ss.ChargeID)
	require.NoError(t, err)
	assert.True(t, ch.Captured)
	assert.Equal(t, int64(500), ch.Amount)
}

func TestCheckout_ChargeKeyFollowsPartyOrder(t *testing.T) {
	// GIVEN: A card listed before a gift card; the card is planned last
	f := newFixture(t)
	f.issue(t, "gc-1", 1000)
	res, err := f.eng.Checkout(f.ctx, checkout("co-key", []ledger.LineItem{item(1500)},
		cardParty(sandbox.TokenVisa), valueParty("gc-1")))
	require.NoError(t, err)
	require.Len(t, res.Transaction.Steps, 2)
	ss := res.Transaction.Steps[1].(*ledger.StripeStep)

	// WHEN: The processor sees the same charge under "{id}-{partyIndex}"
	ch, err := f.proc.Charge(f.ctx, processor.ChargeParams{
		Amount:         500,
		Currency:       "USD",
		Source:         sandbox.TokenVisa,
		Capture:        true,
		IdempotencyKey: "co-key-0",
	})

	// THEN: It replays the checkout's charge
	require.NoError(t, err)
	assert.Equal(t, ss.ChargeID, ch.ID)
}

func TestCheckout_SameIDTwiceCommitsOnce(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "gc-1", 1000)
	req := checkout("co-dup", []ledger.LineItem{item(400)}, valueParty("gc-1"))

	_, err := f.eng.Checkout(f.ctx, req)
	require.NoError(t, err)
	_, err = f.eng.Checkout(f.ctx, req)

	assert.ErrorIs(t, err, ledger.ErrTransactionExists)
	assert.Equal(t, int64(600), f.balance(t, "gc-1"), "balance changes only once")
}

func TestCheckout_TaxRoundingModes(t *testing.T) {
	cases := []struct {
		mode ledger.RoundingMode
		want int64
	}{
		{ledger.RoundHalfEven, 50}, // 1010 * 0.05 = 50.5
		{ledger.RoundHalfUp, 51},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			f := newFixture(t)
			li := item(1010)
			li.TaxRate = rate("0.05")
			req := checkout("co-tax", []ledger.LineItem{li}, cardParty(sandbox.TokenVisa))
			req.Tax = &ledger.TaxRequest{RoundingMode: tc.mode}

			res, err := f.eng.Checkout(f.ctx, req)

			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Transaction.Totals.Tax)
			assert.Equal(t, 1010+tc.want, res.Transaction.Totals.PaidStripe)
			assertConserved(t, res.Transaction.Totals)
		})
	}
}

func TestCheckout_PretaxValueReducesTaxable(t *testing.T) {
	// GIVEN: A pretax promotion of 500 and a 10% taxed line of 1000
	f := newFixture(t)
	f.issue(t, "promo", 500, func(r *engine.IssueValueRequest) { r.Pretax = true })
	li := item(1000)
	li.TaxRate = rate("0.1")

	// WHEN: The card is listed before the promotion
	res, err := f.eng.Checkout(f.ctx, checkout("co-pretax", []ledger.LineItem{li},
		cardParty(sandbox.TokenVisa), valueParty("promo")))

	// THEN: The promotion still pays first and only 500 is taxed
	require.NoError(t, err)
	totals := res.Transaction.Totals
	assert.Equal(t, int64(50), totals.Tax)
	assert.Equal(t, int64(1050), totals.Payable)
	assert.Equal(t, int64(500), totals.PaidLightrail)
	assert.Equal(t, int64(550), totals.PaidStripe)
	assertConserved(t, totals)

	lt := res.Transaction.LineItems[0].LineTotal
	assert.Equal(t, int64(500), lt.Taxable)
	assert.Equal(t, int64(0), lt.Remainder)
}

func TestCheckout_DiscountWithMarketplace(t *testing.T) {
	// GIVEN: A discount of 200 whose cost the seller bears half of
	f := newFixture(t)
	f.issue(t, "disc", 200, func(r *engine.IssueValueRequest) {
		r.Discount = true
		r.DiscountSellerLiability = rate("0.5")
	})
	li := item(1000)
	li.MarketplaceRate = rate("0.2")

	// WHEN: Checking out a marketplace line
	res, err := f.eng.Checkout(f.ctx, checkout("co-mkt", []ledger.LineItem{li},
		valueParty("disc"), cardParty(sandbox.TokenVisa)))

	// THEN: The discount lowers payable and the seller's share
	require.NoError(t, err)
	totals := res.Transaction.Totals
	assert.Equal(t, int64(200), totals.Discount)
	assert.Equal(t, int64(200), totals.DiscountLightrail)
	assert.Equal(t, int64(800), totals.Payable)
	assert.Equal(t, int64(0), totals.PaidLightrail)
	assert.Equal(t, int64(800), totals.PaidStripe)
	assertConserved(t, totals)

	require.NotNil(t, totals.Marketplace)
	assert.Equal(t, int64(800), totals.Marketplace.SellerGross)
	assert.Equal(t, int64(100), totals.Marketplace.SellerDiscount)
	assert.Equal(t, int64(700), totals.Marketplace.SellerNet)
}

func TestCheckout_Remainder(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "gc-1", 300)
	req := checkout("co-rem", []ledger.LineItem{item(1000)}, valueParty("gc-1"))

	_, err := f.eng.Checkout(f.ctx, req)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, int64(300), f.balance(t, "gc-1"), "rejected plans leave balances alone")

	req.AllowRemainder = true
	res, err := f.eng.Checkout(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(700), res.Transaction.Totals.Remainder)
	assertConserved(t, res.Transaction.Totals)
}

func TestCheckout_ProcessorMinimum(t *testing.T) {
	t.Run("below minimum is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.issue(t, "gc-1", 980)

		_, err := f.eng.Checkout(f.ctx, checkout("co-min", []ledger.LineItem{item(1000)},
			valueParty("gc-1"), cardParty(sandbox.TokenVisa)))

		assert.ErrorIs(t, err, ledger.ErrStripeAmountTooSmall)
		assert.Equal(t, int64(980), f.balance(t, "gc-1"))
	})

	t.Run("per-party minimum overrides the default", func(t *testing.T) {
		f := newFixture(t)
		f.issue(t, "gc-1", 980)
		card := cardParty(sandbox.TokenVisa)
		card.MinAmount = ledger.Int64(10)

		res, err := f.eng.Checkout(f.ctx, checkout("co-min", []ledger.LineItem{item(1000)}, valueParty("gc-1"), card))

		require.NoError(t, err)
		assert.Equal(t, int64(20), res.Transaction.Totals.PaidStripe)
	})

	t.Run("forgiveness fails fast", func(t *testing.T) {
		f := newFixture(t)
		card := cardParty(sandbox.TokenVisa)
		card.ForgiveSubMinAmount = true

		_, err := f.eng.Checkout(f.ctx, checkout("co-min", []ledger.LineItem{item(1000)}, card))

		assert.ErrorIs(t, err, ledger.ErrForgiveSubMinAmountUnsupported)
	})
}

func TestCheckout_BalanceAndRedemptionRules(t *testing.T) {
	// GIVEN: A promotion worth half of any line tagged "sale"
	f := newFixture(t)
	_, err := f.eng.IssueValue(f.ctx, engine.IssueValueRequest{
		ID:             "half-off",
		Currency:       "USD",
		Discount:       true,
		BalanceRule:    &ledger.Rule{Rule: "currentLineItem.lineTotal.subtotal * 0.5", Explanation: "50% off sale items"},
		RedemptionRule: &ledger.Rule{Rule: `"sale" in currentLineItem.tags`, Explanation: "sale items only"},
	})
	require.NoError(t, err)

	sale := item(1000)
	sale.Tags = []string{"sale"}
	regular := item(600)

	// WHEN: Checking out one sale line and one regular line
	res, err := f.eng.Checkout(f.ctx, checkout("co-rule", []ledger.LineItem{sale, regular},
		valueParty("half-off"), cardParty(sandbox.TokenVisa)))

	// THEN: Only the sale line is discounted, by half
	require.NoError(t, err)
	totals := res.Transaction.Totals
	assert.Equal(t, int64(500), totals.Discount)
	assert.Equal(t, int64(1100), totals.PaidStripe)
	assertConserved(t, totals)
	assert.Equal(t, int64(500), res.Transaction.LineItems[0].LineTotal.Discount)
	assert.Equal(t, int64(0), res.Transaction.LineItems[1].LineTotal.Discount)

	ls := res.Transaction.Steps[0].(*ledger.LightrailStep)
	assert.Equal(t, int64(-500), ls.BalanceChange)
	assert.Nil(t, ls.BalanceBefore, "rule values have no literal balance")
}

func TestCheckout_InternalBeforeLightrail(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "gc-1", 1000)
	internal := ledger.Party{Rail: ledger.RailInternal, InternalID: "points", Balance: ledger.Int64(300), BeforeLightrail: true}

	res, err := f.eng.Checkout(f.ctx, checkout("co-int", []ledger.LineItem{item(1000)}, valueParty("gc-1"), internal))

	require.NoError(t, err)
	assert.Equal(t, int64(300), res.Transaction.Totals.PaidInternal)
	assert.Equal(t, int64(700), res.Transaction.Totals.PaidLightrail)
	assert.Equal(t, int64(300), f.balance(t, "gc-1"))

	is := res.Transaction.Steps[0].(*ledger.InternalStep)
	assert.Equal(t, "points", is.InternalID)
	assert.Equal(t, int64(-300), is.BalanceChange)
}

func TestCheckout_UsesRemainingConsumed(t *testing.T) {
	// GIVEN: A single-use value
	f := newFixture(t)
	f.issue(t, "once", 500, func(r *engine.IssueValueRequest) { r.UsesRemaining = ledger.Int64(1) })

	// WHEN: It pays for a checkout
	res, err := f.eng.Checkout(f.ctx, checkout("co-1", []ledger.LineItem{item(100)}, valueParty("once")))
	require.NoError(t, err)

	// THEN: Its one use is spent
	ls := res.Transaction.Steps[0].(*ledger.LightrailStep)
	require.NotNil(t, ls.UsesRemainingChange)
	assert.Equal(t, int64(-1), *ls.UsesRemainingChange)

	// AND: It no longer resolves
	_, err = f.eng.Checkout(f.ctx, checkout("co-2", []ledger.LineItem{item(100)}, valueParty("once")))
	assert.ErrorIs(t, err, ledger.ErrInvalidParty)
}

func TestCheckout_ContactResolvesEligibleValues(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "c-first", 300, func(r *engine.IssueValueRequest) { r.ContactID = "contact-1" })
	f.issue(t, "c-frozen", 900, func(r *engine.IssueValueRequest) { r.ContactID = "contact-1"; r.Frozen = true })
	f.issue(t, "c-second", 400, func(r *engine.IssueValueRequest) { r.ContactID = "contact-1" })

	res, err := f.eng.Checkout(f.ctx, checkout("co-contact", []ledger.LineItem{item(500)},
		ledger.Party{Rail: ledger.RailLightrail, ContactID: "contact-1"}))

	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, "c-first"))
	assert.Equal(t, int64(900), f.balance(t, "c-frozen"))
	assert.Equal(t, int64(200), f.balance(t, "c-second"))
	assert.Len(t, res.Transaction.Steps, 2)
}

func TestCheckout_UnknownContactIsInvalidParty(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Checkout(f.ctx, checkout("co-x", []ledger.LineItem{item(500)},
		ledger.Party{Rail: ledger.RailLightrail, ContactID: "nobody"}))

	assert.ErrorIs(t, err, ledger.ErrInvalidParty)
}

func TestCheckout_ByCode(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "coded", 1000, func(r *engine.IssueValueRequest) { r.Code = "GIFT-ABCD-1234" })

	res, err := f.eng.Checkout(f.ctx, checkout("co-code", []ledger.LineItem{item(250)},
		ledger.Party{Rail: ledger.RailLightrail, Code: "GIFT-ABCD-1234"}))

	require.NoError(t, err)
	ls := res.Transaction.Steps[0].(*ledger.LightrailStep)
	assert.Equal(t, "coded", ls.ValueID)
	assert.Equal(t, "…1234", ls.Code)
	assert.Equal(t, "…1234", res.Transaction.PaymentSources[0].Code, "plaintext codes are never stored")
}

func TestCheckout_SimulateHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "gc-1", 1000)
	req := checkout("co-sim", []ledger.LineItem{item(1500)}, valueParty("gc-1"), cardParty(sandbox.TokenVisa))
	req.Simulate = true

	res, err := f.eng.Checkout(f.ctx, req)

	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, int64(500), res.Transaction.Totals.PaidStripe)
	assert.Equal(t, int64(1000), f.balance(t, "gc-1"))
	_, err = f.eng.GetTransaction(f.ctx, "co-sim")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestCheckout_Validation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]engine.CheckoutRequest{
		"missing id":       checkout("", []ledger.LineItem{item(1)}, cardParty(sandbox.TokenVisa)),
		"no line items":    checkout("co", nil, cardParty(sandbox.TokenVisa)),
		"no sources":       checkout("co", []ledger.LineItem{item(1)}),
		"negative price":   checkout("co", []ledger.LineItem{item(-1)}, cardParty(sandbox.TokenVisa)),
		"bad tax rate":     checkout("co", []ledger.LineItem{{UnitPrice: 1, TaxRate: rate("1.5")}}, cardParty(sandbox.TokenVisa)),
		"bad rounding":     {Common: engine.Common{ID: "co", Currency: "USD"}, LineItems: []ledger.LineItem{item(1)}, Sources: []ledger.Party{cardParty(sandbox.TokenVisa)}, Tax: &ledger.TaxRequest{RoundingMode: "UP"}},
		"card without ref": checkout("co", []ledger.LineItem{item(100)}, ledger.Party{Rail: ledger.RailStripe}),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.eng.Checkout(f.ctx, req)
			require.Error(t, err)
			assert.True(t, ledger.IsClientError(err), "got %v", err)
		})
	}
}

package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/value-ledger/ledger"
	"github.com/warp/value-ledger/rules"
)

// =============================================================================
// CHECKOUT PLANNER
// =============================================================================
//
// Payable is split across the resolved steps in phases. Within a phase the
// caller's order decides who pays first.
//
//   1. internal steps flagged beforeLightrail
//   2. ledger values marked pretax (their amount is not taxed)
//   3. tax per line: round(taxable * taxRate)
//   4. remaining ledger values
//   5. remaining internal steps
//   6. processor steps
//
// Each line tracks its own remainder, so rule-valued ledger steps see the
// line they are paying for.

func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (*Result, error) {
	if err := validateCheckout(&req); err != nil {
		return nil, e.fail(ctx, ledger.TxCheckout, err)
	}
	now := e.now().UTC()
	voidDate, err := e.voidDate(req.Pending, now)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxCheckout, err)
	}

	return e.run(ctx, ledger.TxCheckout, req.Simulate, func(ctx context.Context) (*Plan, error) {
		steps, err := e.resolve(ctx, resolveInput{
			currency: req.Currency,
			txID:     req.ID,
			parties:  req.Sources,
			mode:     filtering,
			at:       now,
		})
		if err != nil {
			return nil, err
		}
		plan, err := e.planCheckout(req, steps)
		if err != nil {
			return nil, err
		}
		plan.Pending = req.Pending.Pending
		plan.PendingVoidDate = voidDate
		plan.CreatedDate = now
		return plan, nil
	})
}

func validateCheckout(req *CheckoutRequest) error {
	if err := req.Common.validate(); err != nil {
		return err
	}
	if len(req.LineItems) == 0 {
		return ledger.Errorf(ledger.ErrInvalidRequest, "lineItems must not be empty")
	}
	if len(req.Sources) == 0 {
		return ledger.Errorf(ledger.ErrInvalidRequest, "sources must not be empty")
	}
	req.LineItems = append([]ledger.LineItem(nil), req.LineItems...)
	for i := range req.LineItems {
		li := &req.LineItems[i]
		if li.Quantity == 0 {
			li.Quantity = 1
		}
		switch {
		case li.UnitPrice < 0:
			return ledger.Errorf(ledger.ErrInvalidRequest, "lineItems[%d].unitPrice must not be negative", i)
		case li.Quantity < 0:
			return ledger.Errorf(ledger.ErrInvalidRequest, "lineItems[%d].quantity must be positive", i)
		case !isRate(li.TaxRate):
			return ledger.Errorf(ledger.ErrInvalidRequest, "lineItems[%d].taxRate must be between 0 and 1", i)
		case !isRate(li.MarketplaceRate):
			return ledger.Errorf(ledger.ErrInvalidRequest, "lineItems[%d].marketplaceRate must be between 0 and 1", i)
		}
		if li.UnitPrice > 0 && li.Quantity > ledger.MaxBalance/li.UnitPrice {
			return ledger.Errorf(ledger.ErrBalanceTooLarge, "lineItems[%d] subtotal is too large", i)
		}
	}
	var tax ledger.TaxRequest
	if req.Tax != nil {
		tax = *req.Tax
	}
	switch tax.RoundingMode {
	case "":
		tax.RoundingMode = ledger.RoundHalfEven
	case ledger.RoundHalfEven, ledger.RoundHalfUp:
	default:
		return ledger.Errorf(ledger.ErrInvalidRequest, "tax.roundingMode must be HALF_EVEN or HALF_UP")
	}
	req.Tax = &tax
	return nil
}

func isRate(d *decimal.Decimal) bool {
	return d == nil || (!d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1)))
}

// checkoutState is the working arithmetic of one planning pass.
type checkoutState struct {
	e        *Engine
	items    []ledger.LineItem
	metadata map[string]any
	// discounts holds the discount amount contributed by each ledger step.
	discounts map[*LightrailPlanStep]int64
}

func (e *Engine) planCheckout(req CheckoutRequest, steps []PlanStep) (*Plan, error) {
	s := &checkoutState{
		e:         e,
		items:     make([]ledger.LineItem, len(req.LineItems)),
		metadata:  req.Metadata,
		discounts: make(map[*LightrailPlanStep]int64),
	}
	for i, li := range req.LineItems {
		subtotal := li.UnitPrice * li.Quantity
		li.LineTotal = &ledger.LineTotal{Subtotal: subtotal, Taxable: subtotal, Remainder: subtotal}
		s.items[i] = li
	}

	var (
		internalBefore, internalAfter []*InternalPlanStep
		pretax, posttax               []*LightrailPlanStep
		stripe                        []*StripePlanStep
	)
	for _, step := range steps {
		switch st := step.(type) {
		case *InternalPlanStep:
			if st.BeforeLightrail {
				internalBefore = append(internalBefore, st)
			} else {
				internalAfter = append(internalAfter, st)
			}
		case *LightrailPlanStep:
			if st.Value.Pretax {
				pretax = append(pretax, st)
			} else {
				posttax = append(posttax, st)
			}
		case *StripePlanStep:
			stripe = append(stripe, st)
		}
	}

	for _, st := range internalBefore {
		s.applyInternal(st)
	}
	for _, st := range pretax {
		if err := s.applyLightrail(st, true); err != nil {
			return nil, err
		}
	}
	s.applyTax(req.Tax.RoundingMode)
	for _, st := range posttax {
		if err := s.applyLightrail(st, false); err != nil {
			return nil, err
		}
	}
	for _, st := range internalAfter {
		s.applyInternal(st)
	}
	for _, st := range stripe {
		if err := s.applyStripe(st); err != nil {
			return nil, err
		}
	}

	// Persistence order: internal-before, ledger, internal-after, processor.
	ordered := make([]PlanStep, 0, len(steps))
	for _, st := range internalBefore {
		ordered = append(ordered, st)
	}
	for _, st := range pretax {
		ordered = append(ordered, st)
	}
	for _, st := range posttax {
		ordered = append(ordered, st)
	}
	for _, st := range internalAfter {
		ordered = append(ordered, st)
	}
	for _, st := range stripe {
		ordered = append(ordered, st)
	}
	ordered = dropEmpty(ordered)

	totals := s.totals(ordered)
	if totals.Remainder > 0 && !req.AllowRemainder {
		return nil, ledger.Errorf(ledger.ErrInsufficientBalance,
			"insufficient balance for the transaction: %d of %d remains unpaid", totals.Remainder, totals.Payable)
	}

	return &Plan{
		ID:             req.ID,
		Type:           ledger.TxCheckout,
		Currency:       req.Currency,
		Totals:         totals,
		LineItems:      s.items,
		Steps:          ordered,
		PaymentSources: req.Sources,
		Tax:            req.Tax,
		Metadata:       req.Metadata,
		CreatedBy:      req.CreatedBy,
	}, nil
}

func (s *checkoutState) applyInternal(st *InternalPlanStep) {
	available := st.Balance
	for i := range s.items {
		lt := s.items[i].LineTotal
		amount := min(lt.Remainder, available)
		lt.Remainder -= amount
		available -= amount
		st.Amount -= amount
	}
}

// applyLightrail lets one ledger value pay for every line it applies to.
// Literal balances are shared across lines; rule balances are computed
// per line.
func (s *checkoutState) applyLightrail(st *LightrailPlanStep, pretax bool) error {
	v := st.Value
	var available int64
	if !v.HasBalanceRule() && v.Balance != nil {
		available = *v.Balance
	}

	for i := range s.items {
		item := &s.items[i]
		lt := item.LineTotal
		if lt.Remainder == 0 {
			continue
		}
		rc := rules.Context{LineItem: *item, Value: v, Metadata: s.metadata}

		if v.RedemptionRule != nil && v.RedemptionRule.Rule != "" {
			ok, err := s.e.rules.Bool(v.RedemptionRule.Rule, rc)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}

		var amount int64
		if v.HasBalanceRule() {
			d, err := s.e.rules.Number(v.BalanceRule.Rule, rc)
			if err != nil {
				return err
			}
			amount = min(lt.Remainder, ledger.RoundHalfEven.Round(d))
		} else {
			amount = min(lt.Remainder, available)
			available -= amount
		}
		if amount == 0 {
			continue
		}

		lt.Remainder -= amount
		if pretax {
			lt.Taxable -= amount
		}
		if v.Discount {
			lt.Discount += amount
			s.discounts[st] += amount
		}
		st.Amount -= amount
	}

	if st.Amount != 0 && v.UsesRemaining != nil {
		st.UsesChange = ledger.Int64(-1)
	}
	return nil
}

func (s *checkoutState) applyTax(mode ledger.RoundingMode) {
	for i := range s.items {
		item := &s.items[i]
		lt := item.LineTotal
		if item.TaxRate != nil {
			lt.Tax = mode.Round(decimal.NewFromInt(lt.Taxable).Mul(*item.TaxRate))
		}
		lt.Remainder += lt.Tax
	}
}

// applyStripe charges what remains, capped by maxAmount, and pays the lines
// in order.
func (s *checkoutState) applyStripe(st *StripePlanStep) error {
	var remaining int64
	for _, item := range s.items {
		remaining += item.LineTotal.Remainder
	}
	amount := remaining
	if st.MaxAmount != nil {
		amount = min(amount, *st.MaxAmount)
	}
	if amount > 0 && amount < st.MinAmount {
		return ledger.Errorf(ledger.ErrStripeAmountTooSmall,
			"processor amount %d is below the minimum of %d", amount, st.MinAmount)
	}
	st.Amount = amount

	for i := range s.items {
		lt := s.items[i].LineTotal
		paid := min(lt.Remainder, amount)
		lt.Remainder -= paid
		amount -= paid
	}
	return nil
}

func (s *checkoutState) totals(steps []PlanStep) *ledger.Totals {
	t := &ledger.Totals{}
	var marketplace bool
	for i := range s.items {
		item := &s.items[i]
		lt := item.LineTotal
		lt.Payable = lt.Subtotal + lt.Tax - lt.Discount
		t.Subtotal += lt.Subtotal
		t.Tax += lt.Tax
		t.Discount += lt.Discount
		t.Remainder += lt.Remainder
		if item.MarketplaceRate != nil {
			marketplace = true
		}
	}
	t.DiscountLightrail = t.Discount
	t.Payable = t.Subtotal - t.Discount + t.Tax

	for _, step := range steps {
		switch st := step.(type) {
		case *LightrailPlanStep:
			t.PaidLightrail += -st.Amount - s.discounts[st]
		case *InternalPlanStep:
			t.PaidInternal += -st.Amount
		case *StripePlanStep:
			t.PaidStripe += st.Amount
		}
	}

	if marketplace {
		t.Marketplace = s.marketplace(steps)
	}
	return t
}

// marketplace splits the sale between the seller and the marketplace.
// The seller bears discountSellerLiability of each discount value.
func (s *checkoutState) marketplace(steps []PlanStep) *ledger.Marketplace {
	m := &ledger.Marketplace{}
	one := decimal.NewFromInt(1)
	for _, item := range s.items {
		share := one
		if item.MarketplaceRate != nil {
			share = one.Sub(*item.MarketplaceRate)
		}
		m.SellerGross += ledger.RoundHalfEven.Round(share.Mul(decimal.NewFromInt(item.LineTotal.Subtotal)))
	}
	for _, step := range steps {
		st, ok := step.(*LightrailPlanStep)
		if !ok || s.discounts[st] == 0 || st.Value.DiscountSellerLiability == nil {
			continue
		}
		liability := *st.Value.DiscountSellerLiability
		m.SellerDiscount += ledger.RoundHalfEven.Round(liability.Mul(decimal.NewFromInt(s.discounts[st])))
	}
	m.SellerNet = m.SellerGross - m.SellerDiscount
	return m
}

package engine

import (
	"context"
	"time"

	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// CREDIT / DEBIT / TRANSFER
// =============================================================================

// Credit adds balance and/or uses to one value.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (*Result, error) {
	if err := req.Common.validate(); err != nil {
		return nil, e.fail(ctx, ledger.TxCredit, err)
	}
	if err := validateAmounts(req.Amount, req.UsesRemaining); err != nil {
		return nil, e.fail(ctx, ledger.TxCredit, err)
	}
	now := e.now().UTC()

	return e.run(ctx, ledger.TxCredit, req.Simulate, func(ctx context.Context) (*Plan, error) {
		v, code, err := e.resolveOne(ctx, req.Currency, req.ID, req.Destination, now)
		if err != nil {
			return nil, err
		}
		if req.Amount > 0 && v.HasBalanceRule() {
			return nil, ledger.Errorf(ledger.ErrValueHasBalanceRule, "value %q has a balance rule and cannot be credited", v.ID)
		}
		if v.Balance != nil && *v.Balance > ledger.MaxBalance-req.Amount {
			return nil, ledger.Errorf(ledger.ErrBalanceTooLarge, "value %q balance would exceed %d", v.ID, ledger.MaxBalance)
		}
		step := &LightrailPlanStep{Value: v, Amount: req.Amount, Code: code}
		if req.UsesRemaining != nil {
			if v.UsesRemaining == nil {
				return nil, ledger.Errorf(ledger.ErrInvalidRequest, "value %q has unlimited uses", v.ID)
			}
			step.UsesChange = ledger.Int64(*req.UsesRemaining)
		}
		return &Plan{
			ID:          req.ID,
			Type:        ledger.TxCredit,
			Currency:    req.Currency,
			Steps:       dropEmpty([]PlanStep{step}),
			Metadata:    req.Metadata,
			CreatedBy:   req.CreatedBy,
			CreatedDate: now,
		}, nil
	})
}

// Debit removes balance and/or uses from one value. With AllowRemainder a
// debit larger than the balance takes what is there.
func (e *Engine) Debit(ctx context.Context, req DebitRequest) (*Result, error) {
	if err := req.Common.validate(); err != nil {
		return nil, e.fail(ctx, ledger.TxDebit, err)
	}
	if err := validateAmounts(req.Amount, req.UsesRemaining); err != nil {
		return nil, e.fail(ctx, ledger.TxDebit, err)
	}
	now := e.now().UTC()
	voidDate, err := e.voidDate(req.Pending, now)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxDebit, err)
	}

	return e.run(ctx, ledger.TxDebit, req.Simulate, func(ctx context.Context) (*Plan, error) {
		v, code, err := e.resolveOne(ctx, req.Currency, req.ID, req.Source, now)
		if err != nil {
			return nil, err
		}
		if req.Amount > 0 && v.HasBalanceRule() {
			return nil, ledger.Errorf(ledger.ErrValueHasBalanceRule, "value %q has a balance rule and cannot be debited", v.ID)
		}
		taken, remainder, err := take(v, req.Amount, req.AllowRemainder)
		if err != nil {
			return nil, err
		}
		step := &LightrailPlanStep{Value: v, Amount: -taken, Code: code}
		if req.UsesRemaining != nil {
			switch {
			case v.UsesRemaining == nil:
				return nil, ledger.Errorf(ledger.ErrInvalidRequest, "value %q has unlimited uses", v.ID)
			case *v.UsesRemaining < *req.UsesRemaining:
				return nil, ledger.Errorf(ledger.ErrInsufficientUsesRemaining,
					"value %q has %d uses remaining, cannot debit %d", v.ID, *v.UsesRemaining, *req.UsesRemaining)
			}
			step.UsesChange = ledger.Int64(-*req.UsesRemaining)
		}
		return &Plan{
			ID:              req.ID,
			Type:            ledger.TxDebit,
			Currency:        req.Currency,
			Totals:          &ledger.Totals{Remainder: remainder},
			Steps:           dropEmpty([]PlanStep{step}),
			Pending:         req.Pending.Pending,
			PendingVoidDate: voidDate,
			Metadata:        req.Metadata,
			CreatedBy:       req.CreatedBy,
			CreatedDate:     now,
		}, nil
	})
}

// Transfer moves an amount from a value or a processor payment method
// into a value.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*Result, error) {
	if err := req.Common.validate(); err != nil {
		return nil, e.fail(ctx, ledger.TxTransfer, err)
	}
	switch {
	case req.Amount <= 0:
		return nil, e.fail(ctx, ledger.TxTransfer, ledger.Errorf(ledger.ErrInvalidRequest, "amount must be positive"))
	case req.Amount > ledger.MaxBalance:
		return nil, e.fail(ctx, ledger.TxTransfer, ledger.Errorf(ledger.ErrBalanceTooLarge, "amount exceeds %d", ledger.MaxBalance))
	case req.Destination.Rail != ledger.RailLightrail:
		return nil, e.fail(ctx, ledger.TxTransfer, ledger.Errorf(ledger.ErrInvalidRequest, "destination must be a lightrail party"))
	case req.Source.Rail != ledger.RailLightrail && req.Source.Rail != ledger.RailStripe:
		return nil, e.fail(ctx, ledger.TxTransfer, ledger.Errorf(ledger.ErrInvalidRequest, "source must be a lightrail or stripe party"))
	}
	now := e.now().UTC()
	voidDate, err := e.voidDate(req.Pending, now)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxTransfer, err)
	}

	return e.run(ctx, ledger.TxTransfer, req.Simulate, func(ctx context.Context) (*Plan, error) {
		dest, destCode, err := e.resolveOne(ctx, req.Currency, req.ID, req.Destination, now)
		if err != nil {
			return nil, err
		}
		if dest.HasBalanceRule() {
			return nil, ledger.Errorf(ledger.ErrValueHasBalanceRule, "value %q has a balance rule and cannot be credited", dest.ID)
		}

		var (
			source    PlanStep
			taken     int64
			remainder int64
		)
		switch req.Source.Rail {
		case ledger.RailLightrail:
			src, code, err := e.resolveOne(ctx, req.Currency, req.ID, req.Source, now)
			if err != nil {
				return nil, err
			}
			if src.ID == dest.ID {
				return nil, ledger.Errorf(ledger.ErrInvalidRequest, "source and destination must differ")
			}
			if src.HasBalanceRule() {
				return nil, ledger.Errorf(ledger.ErrValueHasBalanceRule, "value %q has a balance rule and cannot be debited", src.ID)
			}
			taken, remainder, err = take(src, req.Amount, req.AllowRemainder)
			if err != nil {
				return nil, err
			}
			source = &LightrailPlanStep{Value: src, Amount: -taken, Code: code}

		case ledger.RailStripe:
			st, err := e.stripeStep(req.Source, req.ID, 0)
			if err != nil {
				return nil, err
			}
			taken = req.Amount
			if st.MaxAmount != nil && *st.MaxAmount < taken {
				if !req.AllowRemainder {
					return nil, ledger.Errorf(ledger.ErrInsufficientBalance, "stripe maxAmount %d is below the transfer amount %d", *st.MaxAmount, req.Amount)
				}
				taken = *st.MaxAmount
				remainder = req.Amount - taken
			}
			if taken > 0 && taken < st.MinAmount {
				return nil, ledger.Errorf(ledger.ErrStripeAmountTooSmall, "processor amount %d is below the minimum of %d", taken, st.MinAmount)
			}
			st.Amount = taken
			source = st
		}

		if dest.Balance != nil && *dest.Balance > ledger.MaxBalance-taken {
			return nil, ledger.Errorf(ledger.ErrBalanceTooLarge, "value %q balance would exceed %d", dest.ID, ledger.MaxBalance)
		}
		destination := &LightrailPlanStep{Value: dest, Amount: taken, Code: destCode}

		// Processor steps are persisted after ledger steps.
		steps := []PlanStep{source, destination}
		if _, ok := source.(*StripePlanStep); ok {
			steps = []PlanStep{destination, source}
		}
		return &Plan{
			ID:              req.ID,
			Type:            ledger.TxTransfer,
			Currency:        req.Currency,
			Totals:          &ledger.Totals{Remainder: remainder},
			Steps:           dropEmpty(steps),
			PaymentSources:  []ledger.Party{req.Source},
			Pending:         req.Pending.Pending,
			PendingVoidDate: voidDate,
			Metadata:        req.Metadata,
			CreatedBy:       req.CreatedBy,
			CreatedDate:     now,
		}, nil
	})
}

// resolveOne resolves an explicit single-value party strictly.
func (e *Engine) resolveOne(ctx context.Context, currency, txID string, party ledger.Party, at time.Time) (*ledger.Value, string, error) {
	if party.Rail != ledger.RailLightrail {
		return nil, "", ledger.Errorf(ledger.ErrInvalidRequest, "party must be a lightrail party")
	}
	if party.ValueID == "" && party.Code == "" {
		return nil, "", ledger.Errorf(ledger.ErrInvalidRequest, "party requires valueId or code")
	}
	steps, err := e.resolve(ctx, resolveInput{
		currency: currency,
		txID:     txID,
		parties:  []ledger.Party{party},
		mode:     strict,
		at:       at,
	})
	if err != nil {
		return nil, "", err
	}
	st := steps[0].(*LightrailPlanStep)
	return st.Value, st.Code, nil
}

// take returns how much of amount v can cover and what remains.
func take(v *ledger.Value, amount int64, allowRemainder bool) (taken, remainder int64, err error) {
	var balance int64
	if v.Balance != nil {
		balance = *v.Balance
	}
	if amount <= balance {
		return amount, 0, nil
	}
	if !allowRemainder {
		return 0, 0, ledger.Errorf(ledger.ErrInsufficientBalance,
			"value %q has balance %d, cannot debit %d", v.ID, balance, amount)
	}
	return balance, amount - balance, nil
}

func validateAmounts(amount int64, uses *int64) error {
	switch {
	case amount < 0:
		return ledger.Errorf(ledger.ErrInvalidRequest, "amount must not be negative")
	case amount > ledger.MaxBalance:
		return ledger.Errorf(ledger.ErrBalanceTooLarge, "amount exceeds %d", ledger.MaxBalance)
	case uses != nil && *uses < 0:
		return ledger.Errorf(ledger.ErrInvalidRequest, "usesRemaining must not be negative")
	case amount == 0 && (uses == nil || *uses == 0):
		return ledger.Errorf(ledger.ErrInvalidRequest, "amount or usesRemaining must be positive")
	}
	return nil
}

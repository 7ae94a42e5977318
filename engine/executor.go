package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/value-ledger/ledger"
	"github.com/warp/value-ledger/processor"
)

// =============================================================================
// PLAN EXECUTOR
// =============================================================================
//
// Step 1 (ledger):    insert the row, lock and re-check every value, apply
//                     the deltas, insert ledger and internal steps. Commit.
// Step 2 (processor): charge each processor step, then persist it.
//
// Compensations, in order, when step 2 fails:
//   refund every charge already made ({id}-rollback-{index})
//   insert {id}-rollback, a reverse negating the committed steps

// execute applies a plan and returns the committed transaction.
func (e *Engine) execute(ctx context.Context, plan *Plan) (*ledger.Transaction, error) {
	row := plan.transaction()
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertTransaction(ctx, row); err != nil {
			return err
		}
		for i, s := range plan.Steps {
			var step ledger.Step
			switch st := s.(type) {
			case *LightrailPlanStep:
				applied, err := e.applyLightrail(ctx, tx, st, plan.Currency, plan.CreatedDate, true)
				if err != nil {
					return err
				}
				step = applied
			case *InternalPlanStep:
				step = internalStep(st)
			default:
				continue
			}
			if err := tx.InsertStep(ctx, plan.ID, i, step); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.charge(ctx, plan); err != nil {
		return nil, err
	}
	return e.store.GetTransaction(ctx, plan.ID)
}

// applyLightrail locks the step's value, checks the change against the
// current row and writes it. With checkStatus the value must also still be
// transactable; reversals skip that check.
func (e *Engine) applyLightrail(ctx context.Context, tx ledger.Tx, st *LightrailPlanStep, currency string, at time.Time, checkStatus bool) (*ledger.LightrailStep, error) {
	v, err := tx.LockValue(ctx, st.Value.ID)
	if err != nil {
		return nil, err
	}
	if checkStatus {
		if err := v.Transactable(currency, at); err != nil {
			return nil, err
		}
	}

	if v.Balance != nil {
		after := *v.Balance + st.Amount
		if after < 0 {
			return nil, ledger.AsReplannable(ledger.Errorf(ledger.ErrInsufficientBalance,
				"value %q has balance %d, cannot apply %d", v.ID, *v.Balance, st.Amount))
		}
		if after > ledger.MaxBalance {
			return nil, ledger.Errorf(ledger.ErrBalanceTooLarge, "value %q balance would exceed %d", v.ID, ledger.MaxBalance)
		}
	}
	if st.UsesChange != nil && v.UsesRemaining != nil && *v.UsesRemaining+*st.UsesChange < 0 {
		return nil, ledger.AsReplannable(ledger.Errorf(ledger.ErrInsufficientUsesRemaining,
			"value %q has %d uses remaining", v.ID, *v.UsesRemaining))
	}

	step := lightrailStep(st, v)
	usesAfter := v.UsesRemaining
	if step.UsesRemainingAfter != nil {
		usesAfter = step.UsesRemainingAfter
	}
	if err := tx.UpdateValueBalance(ctx, v.ID, step.BalanceAfter, usesAfter, at); err != nil {
		return nil, err
	}
	return step, nil
}

// =============================================================================
// PROCESSOR STEPS
// =============================================================================

type chargedStep struct {
	index  int
	plan   *StripePlanStep
	charge *processor.Charge
}

// charge runs the processor half of the saga. On failure it compensates
// and returns the classified cause, or CompensationFailed.
func (e *Engine) charge(ctx context.Context, plan *Plan) error {
	var charged []chargedStep
	for i, s := range plan.Steps {
		st, ok := s.(*StripePlanStep)
		if !ok {
			continue
		}
		ch, err := e.processor.Charge(ctx, processor.ChargeParams{
			Amount:         st.Amount,
			Currency:       plan.Currency,
			Source:         st.Source,
			Customer:       st.Customer,
			Capture:        !plan.Pending,
			IdempotencyKey: st.IdempotentStepID,
			Metadata:       map[string]string{"ledgerTransactionId": plan.ID},
		})
		if err != nil {
			return e.compensate(ctx, plan, charged, processor.Classify(err))
		}
		charged = append(charged, chargedStep{index: i, plan: st, charge: ch})

		step := &ledger.StripeStep{
			ChargeID: ch.ID,
			Amount:   -ch.Amount,
			Source:   st.Source,
			Customer: st.Customer,
			Charge:   rawJSON(ch),
		}
		err = e.store.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertStep(ctx, plan.ID, i, step)
		})
		if err != nil {
			return e.compensate(ctx, plan, charged, ledger.Wrap(ledger.ErrStepPersistFailed, err))
		}
	}
	return nil
}

// compensate undoes a transaction whose processor half failed: refunds
// what was charged and appends {id}-rollback. Compensation failures are
// reported and never retried here.
func (e *Engine) compensate(ctx context.Context, plan *Plan, charged []chargedStep, cause error) error {
	log := e.log.With(zap.String("transactionId", plan.ID))
	log.Warn("processor step failed after ledger commit, compensating", zap.Error(cause))

	var failures []error
	refunds := make([]ledger.Step, 0, len(charged))
	for _, c := range charged {
		r, err := e.processor.Refund(ctx, processor.RefundParams{
			ChargeID:       c.charge.ID,
			Reason:         "transaction rollback",
			IdempotencyKey: fmt.Sprintf("%s-rollback-%d", plan.ID, c.index),
		})
		if err != nil {
			e.metrics.Compensation("refund", "failed")
			failures = append(failures, fmt.Errorf("refund charge %s: %w", c.charge.ID, err))
			continue
		}
		e.metrics.Compensation("refund", "succeeded")
		refunds = append(refunds, &ledger.StripeStep{
			ChargeID: c.charge.ID,
			Amount:   r.Amount,
			Source:   c.plan.Source,
			Customer: c.plan.Customer,
			Charge:   rawJSON(r),
		})
	}

	target, err := e.store.GetTransaction(ctx, plan.ID)
	if err == nil {
		_, err = e.commitFollowUp(ctx, followUp{
			id:             plan.ID + "-rollback",
			txType:         ledger.TxReverse,
			target:         target,
			totals:         target.Totals.Negate(),
			negate:         target.Steps,
			processorSteps: refunds,
			createdBy:      plan.CreatedBy,
		})
	}
	if err != nil {
		e.metrics.Compensation("rollback", "failed")
		failures = append(failures, fmt.Errorf("insert rollback transaction: %w", err))
	} else {
		e.metrics.Compensation("rollback", "succeeded")
	}

	if len(failures) == 0 {
		log.Info("transaction rolled back", zap.String("rollbackId", plan.ID+"-rollback"))
		return cause
	}

	joined := errors.Join(append([]error{cause}, failures...)...)
	log.Error("compensation failed, ledger and processor disagree", zap.Error(joined))
	e.reporter.CaptureException(ctx, joined, map[string]string{
		"component":     "engine",
		"transactionId": plan.ID,
		"stage":         "compensation",
	})
	return ledger.Wrap(ledger.ErrCompensationFailed, joined)
}

// =============================================================================
// FOLLOW-UP TRANSACTIONS - capture, void, reverse, rollback
// =============================================================================

// followUp describes a transaction appended to target's chain.
type followUp struct {
	id     string
	txType ledger.TransactionType
	target *ledger.Transaction
	// linkFrom is the transaction that gets NextTransactionID; target when
	// empty.
	linkFrom string
	totals   *ledger.Totals
	// negate lists steps whose ledger and internal effects are reversed.
	// Processor steps in it are ignored.
	negate []ledger.Step
	// processorSteps were already executed at the processor.
	processorSteps []ledger.Step
	metadata       map[string]any
	createdBy      string
}

// commitFollowUp inserts f, applies its negations and links it into the
// chain in one database transaction.
func (e *Engine) commitFollowUp(ctx context.Context, f followUp) (*ledger.Transaction, error) {
	now := e.now().UTC()
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		return e.writeFollowUp(ctx, tx, f, now)
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetTransaction(ctx, f.id)
}

// errDryRun aborts a database transaction that was only checking.
var errDryRun = errors.New("dry run")

// checkFollowUp writes f under lock and rolls it back. Transitions run it
// before touching the processor so that a follow-up the ledger would
// refuse never gets a capture or refund.
func (e *Engine) checkFollowUp(ctx context.Context, f followUp) error {
	now := e.now().UTC()
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := e.writeFollowUp(ctx, tx, f, now); err != nil {
			return err
		}
		return errDryRun
	})
	if errors.Is(err, errDryRun) {
		return nil
	}
	return err
}

// commitAfterProcessor commits f once the processor has acted for it. If
// the ledger refuses now, the processor is ahead of the ledger: that is
// reported and surfaced as CompensationFailed.
func (e *Engine) commitAfterProcessor(ctx context.Context, f followUp) (*ledger.Transaction, error) {
	t, err := e.commitFollowUp(ctx, f)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, ledger.ErrTransactionExists) {
		// A concurrent identical request made the same idempotent calls
		// and recorded them.
		existing, gerr := e.store.GetTransaction(ctx, f.id)
		if gerr == nil && existing.RootTransactionID == f.target.RootTransactionID && existing.TransactionType == f.txType {
			return nil, err
		}
	}
	return nil, e.diverged(ctx, f, err)
}

// diverged reports a transition whose processor calls went through while
// its ledger half did not.
func (e *Engine) diverged(ctx context.Context, f followUp, err error) error {
	e.metrics.Compensation(string(f.txType), "failed")
	e.log.Error("processor acted but the ledger did not, ledger and processor disagree",
		zap.String("transactionId", f.target.ID), zap.String("newTransactionId", f.id), zap.Error(err))
	e.reporter.CaptureException(ctx, err, map[string]string{
		"component":        "engine",
		"transactionId":    f.target.ID,
		"newTransactionId": f.id,
		"transactionType":  string(f.txType),
		"stage":            "chain",
	})
	return ledger.Wrap(ledger.ErrCompensationFailed, err)
}

func (e *Engine) writeFollowUp(ctx context.Context, tx ledger.Tx, f followUp, now time.Time) error {
	linkFrom := f.linkFrom
	if linkFrom == "" {
		linkFrom = f.target.ID
	}
	row := &ledger.Transaction{
		ID:                f.id,
		TransactionType:   f.txType,
		Currency:          f.target.Currency,
		Totals:            f.totals,
		RootTransactionID: f.target.RootTransactionID,
		Metadata:          f.metadata,
		CreatedDate:       now,
		CreatedBy:         f.createdBy,
	}
	if err := tx.InsertTransaction(ctx, row); err != nil {
		return err
	}
	index := 0
	insert := func(step ledger.Step) error {
		err := tx.InsertStep(ctx, f.id, index, step)
		index++
		return err
	}

	for _, s := range f.negate {
		switch st := s.(type) {
		case *ledger.LightrailStep:
			ps := &LightrailPlanStep{Value: &ledger.Value{ID: st.ValueID}, Amount: -st.BalanceChange, Code: st.Code}
			if st.UsesRemainingChange != nil {
				ps.UsesChange = ledger.Int64(-*st.UsesRemainingChange)
			}
			applied, err := e.applyLightrail(ctx, tx, ps, f.target.Currency, now, false)
			if err != nil {
				return err
			}
			if err := insert(applied); err != nil {
				return err
			}
		case *ledger.InternalStep:
			if err := insert(negateInternal(st)); err != nil {
				return err
			}
		}
	}
	for _, step := range f.processorSteps {
		if err := insert(step); err != nil {
			return err
		}
	}
	return tx.LinkNext(ctx, linkFrom, f.id)
}

func negateInternal(st *ledger.InternalStep) *ledger.InternalStep {
	return &ledger.InternalStep{
		InternalID:      st.InternalID,
		BalanceBefore:   st.BalanceAfter,
		BalanceAfter:    st.BalanceBefore,
		BalanceChange:   -st.BalanceChange,
		BeforeLightrail: st.BeforeLightrail,
	}
}

// rawJSON keeps the processor's record on the step for audit.
func rawJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/value-ledger/ledger"
	"github.com/warp/value-ledger/processor"
)

// =============================================================================
// TRANSACTION CHAIN STATE MACHINE
// =============================================================================
//
//   pending --capture--> captured --reverse--> reversed
//      |
//      +-----void------> voided
//
//   committed --reverse--> reversed
//
// A transition appends a transaction and links it as its predecessor's
// NextTransactionID. It runs in three steps:
//
//   check:     the new id is unused, then the follow-up is written under
//              lock and rolled back
//   processor: captures and refunds keyed "{newId}-{index}"; out-of-band
//              captures and refunds count as done
//   commit:    the follow-up is written for real
//
// A commit that fails after the processor acted is reported and surfaced
// as CompensationFailed. A retry with the same new id converges.

// Chain returns every transaction sharing id's root, in creation order.
func (e *Engine) Chain(ctx context.Context, id string) ([]ledger.Transaction, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.store.GetChain(ctx, t.RootTransactionID)
}

// Capture finalises a pending transaction.
func (e *Engine) Capture(ctx context.Context, req ChainRequest) (*Result, error) {
	target, err := e.chainTarget(ctx, req)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxCapture, err)
	}
	if err := e.requireOpenPending(ctx, target); err != nil {
		return nil, e.fail(ctx, ledger.TxCapture, err)
	}
	if target.PendingVoidDate != nil && !e.now().Before(*target.PendingVoidDate) {
		return nil, e.fail(ctx, ledger.TxCapture, ledger.Errorf(ledger.ErrPendingExpired,
			"transaction %q passed its void date %s", target.ID, target.PendingVoidDate.Format(time.RFC3339)))
	}
	if err := e.requireUnusedID(ctx, req.NewID); err != nil {
		return nil, e.fail(ctx, ledger.TxCapture, err)
	}

	if req.Simulate {
		steps := make(ledger.Steps, 0)
		for _, st := range stripeSteps(target) {
			steps = append(steps, &ledger.StripeStep{ChargeID: st.ChargeID, Source: st.Source, Customer: st.Customer})
		}
		return e.simulated(ledger.TxCapture, req, target, nil, steps), nil
	}

	f := followUp{
		id:        req.NewID,
		txType:    ledger.TxCapture,
		target:    target,
		metadata:  req.Metadata,
		createdBy: req.CreatedBy,
	}
	if err := e.checkFollowUp(ctx, f); err != nil {
		return nil, e.fail(ctx, ledger.TxCapture, err)
	}

	var captured []ledger.Step
	for i, st := range stripeSteps(target) {
		ch, err := e.processor.Capture(ctx, st.ChargeID, fmt.Sprintf("%s-%d", req.NewID, i))
		if processor.IsCode(err, processor.CodeAlreadyCaptured) {
			e.log.Info("charge already captured out of band", zap.String("chargeId", st.ChargeID))
			ch, err = e.processor.GetCharge(ctx, st.ChargeID)
		}
		if err != nil {
			err = processor.Classify(err)
			if len(captured) > 0 {
				err = e.diverged(ctx, f, err)
			}
			return nil, e.fail(ctx, ledger.TxCapture, err)
		}
		captured = append(captured, &ledger.StripeStep{
			ChargeID: ch.ID,
			Source:   st.Source,
			Customer: st.Customer,
			Charge:   rawJSON(ch),
		})
	}

	f.processorSteps = captured
	t, err := e.commitAfterProcessor(ctx, f)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxCapture, err)
	}
	return e.created(ledger.TxCapture, t), nil
}

// Void cancels a pending transaction, releasing its holds.
func (e *Engine) Void(ctx context.Context, req ChainRequest) (*Result, error) {
	target, err := e.chainTarget(ctx, req)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxVoid, err)
	}
	if err := e.requireOpenPending(ctx, target); err != nil {
		return nil, e.fail(ctx, ledger.TxVoid, err)
	}
	if err := e.requireUnusedID(ctx, req.NewID); err != nil {
		return nil, e.fail(ctx, ledger.TxVoid, err)
	}
	t, err := e.reverseInto(ctx, req, ledger.TxVoid, target, target, target.ID)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxVoid, err)
	}
	if req.Simulate {
		return &Result{Transaction: t}, nil
	}
	return e.created(ledger.TxVoid, t), nil
}

// Reverse undoes a committed transaction. Reversing twice returns the
// first reverse.
func (e *Engine) Reverse(ctx context.Context, req ChainRequest) (*Result, error) {
	target, err := e.chainTarget(ctx, req)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxReverse, err)
	}
	switch target.TransactionType {
	case ledger.TxVoid, ledger.TxReverse, ledger.TxAttach:
		return nil, e.fail(ctx, ledger.TxReverse, ledger.Errorf(ledger.ErrTransactionNotReversible,
			"%s transactions cannot be reversed", target.TransactionType))
	}

	chain, err := e.store.GetChain(ctx, target.RootTransactionID)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxReverse, err)
	}
	for i := range chain {
		if chain[i].TransactionType == ledger.TxReverse {
			e.log.Debug("transaction already reversed",
				zap.String("transactionId", target.ID), zap.String("reverseId", chain[i].ID))
			return &Result{Transaction: &chain[i]}, nil
		}
	}

	// source supplies the effects to negate; linkFrom is the chain's tail.
	source, linkFrom := target, target
	switch {
	case target.TransactionType == ledger.TxCapture:
		root, err := e.store.GetTransaction(ctx, target.RootTransactionID)
		if err != nil {
			return nil, e.fail(ctx, ledger.TxReverse, err)
		}
		source = root
	case target.Pending && target.IsLinked():
		next, err := e.store.GetTransaction(ctx, *target.NextTransactionID)
		if err != nil {
			return nil, e.fail(ctx, ledger.TxReverse, err)
		}
		if next.TransactionType == ledger.TxVoid {
			return nil, e.fail(ctx, ledger.TxReverse, ledger.Errorf(ledger.ErrTransactionVoided, "transaction %q has been voided", target.ID))
		}
		linkFrom = next
	case target.Pending:
		return nil, e.fail(ctx, ledger.TxReverse, ledger.Errorf(ledger.ErrTransactionPending,
			"transaction %q is pending; capture or void it", target.ID))
	}
	if linkFrom.IsLinked() {
		return nil, e.fail(ctx, ledger.TxReverse, ledger.Errorf(ledger.ErrChainModified,
			"transaction %q is already followed by %q", linkFrom.ID, *linkFrom.NextTransactionID))
	}

	if err := e.requireUnusedID(ctx, req.NewID); err != nil {
		return nil, e.fail(ctx, ledger.TxReverse, err)
	}
	if err := e.requireNotDisputed(ctx, source); err != nil {
		return nil, e.fail(ctx, ledger.TxReverse, err)
	}
	t, err := e.reverseInto(ctx, req, ledger.TxReverse, source, target, linkFrom.ID)
	if err != nil {
		return nil, e.fail(ctx, ledger.TxReverse, err)
	}
	if req.Simulate {
		return &Result{Transaction: t}, nil
	}
	return e.created(ledger.TxReverse, t), nil
}

// reverseInto refunds source's charges and commits txType negating
// source's effects, linked after linkFrom.
func (e *Engine) reverseInto(ctx context.Context, req ChainRequest, txType ledger.TransactionType, source, target *ledger.Transaction, linkFrom string) (*ledger.Transaction, error) {
	if req.Simulate {
		steps := make(ledger.Steps, 0, len(source.Steps))
		for _, s := range source.Steps {
			switch st := s.(type) {
			case *ledger.LightrailStep:
				neg := &ledger.LightrailStep{ValueID: st.ValueID, ContactID: st.ContactID, Code: st.Code, BalanceChange: -st.BalanceChange}
				if st.UsesRemainingChange != nil {
					neg.UsesRemainingChange = ledger.Int64(-*st.UsesRemainingChange)
				}
				steps = append(steps, neg)
			case *ledger.InternalStep:
				steps = append(steps, negateInternal(st))
			case *ledger.StripeStep:
				steps = append(steps, &ledger.StripeStep{ChargeID: st.ChargeID, Amount: -st.Amount, Source: st.Source, Customer: st.Customer})
			}
		}
		return e.simulated(txType, req, target, source.Totals.Negate(), steps).Transaction, nil
	}

	f := followUp{
		id:        req.NewID,
		txType:    txType,
		target:    target,
		linkFrom:  linkFrom,
		totals:    source.Totals.Negate(),
		negate:    source.Steps,
		metadata:  req.Metadata,
		createdBy: req.CreatedBy,
	}
	if err := e.checkFollowUp(ctx, f); err != nil {
		return nil, err
	}

	var refunds []ledger.Step
	for i, st := range stripeSteps(source) {
		step, err := e.refund(ctx, st, fmt.Sprintf("%s-%d", req.NewID, i))
		if err != nil {
			if len(refunds) > 0 {
				return nil, e.diverged(ctx, f, err)
			}
			return nil, err
		}
		refunds = append(refunds, step)
	}
	f.processorSteps = refunds
	return e.commitAfterProcessor(ctx, f)
}

// refund returns the charge's money. A charge already refunded out of
// band is recorded with its existing refund.
func (e *Engine) refund(ctx context.Context, st *ledger.StripeStep, key string) (*ledger.StripeStep, error) {
	r, err := e.processor.Refund(ctx, processor.RefundParams{ChargeID: st.ChargeID, IdempotencyKey: key})
	if processor.IsCode(err, processor.CodeAlreadyRefunded) {
		e.log.Info("charge already refunded out of band", zap.String("chargeId", st.ChargeID))
		ch, gerr := e.processor.GetCharge(ctx, st.ChargeID)
		if gerr != nil {
			return nil, processor.Classify(gerr)
		}
		step := &ledger.StripeStep{ChargeID: st.ChargeID, Amount: ch.AmountRefunded, Source: st.Source, Customer: st.Customer}
		if n := len(ch.Refunds); n > 0 {
			step.Charge = rawJSON(ch.Refunds[n-1])
		}
		return step, nil
	}
	if err != nil {
		return nil, processor.Classify(err)
	}
	return &ledger.StripeStep{
		ChargeID: st.ChargeID,
		Amount:   r.Amount,
		Source:   st.Source,
		Customer: st.Customer,
		Charge:   rawJSON(r),
	}, nil
}

// requireNotDisputed fails before any side effect when a charge of t is
// disputed: the funds are held by the processor.
func (e *Engine) requireNotDisputed(ctx context.Context, t *ledger.Transaction) error {
	for _, st := range stripeSteps(t) {
		ch, err := e.processor.GetCharge(ctx, st.ChargeID)
		if err != nil {
			return processor.Classify(err)
		}
		if ch.Disputed {
			return ledger.Errorf(ledger.ErrStripeChargeDisputed, "charge %s is disputed", ch.ID)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) chainTarget(ctx context.Context, req ChainRequest) (*ledger.Transaction, error) {
	switch {
	case req.ID == "":
		return nil, ledger.Errorf(ledger.ErrInvalidRequest, "transaction id is required")
	case req.NewID == "":
		return nil, ledger.Errorf(ledger.ErrInvalidRequest, "id is required")
	case len(req.NewID) > maxIDLength:
		return nil, ledger.Errorf(ledger.ErrInvalidRequest, "id must be at most %d characters", maxIDLength)
	}
	return e.store.GetTransaction(ctx, req.ID)
}

// requireUnusedID keeps a duplicate new id from ever reaching the
// processor.
func (e *Engine) requireUnusedID(ctx context.Context, id string) error {
	_, err := e.store.GetTransaction(ctx, id)
	switch {
	case err == nil:
		return ledger.Errorf(ledger.ErrTransactionExists, "transaction %q already exists", id)
	case ledger.IsNotFound(err):
		return nil
	default:
		return err
	}
}

// requireOpenPending checks t is pending and nothing follows it yet.
func (e *Engine) requireOpenPending(ctx context.Context, t *ledger.Transaction) error {
	if !t.Pending {
		return ledger.Errorf(ledger.ErrTransactionNotPending, "transaction %q is not pending", t.ID)
	}
	if !t.IsLinked() {
		return nil
	}
	next, err := e.store.GetTransaction(ctx, *t.NextTransactionID)
	if err != nil {
		return err
	}
	switch next.TransactionType {
	case ledger.TxCapture:
		return ledger.Errorf(ledger.ErrTransactionCaptured, "transaction %q has been captured", t.ID)
	case ledger.TxVoid:
		return ledger.Errorf(ledger.ErrTransactionVoided, "transaction %q has been voided", t.ID)
	default:
		return ledger.Errorf(ledger.ErrTransactionReversed, "transaction %q has been reversed", t.ID)
	}
}

func stripeSteps(t *ledger.Transaction) []*ledger.StripeStep {
	var out []*ledger.StripeStep
	for _, s := range t.Steps {
		if st, ok := s.(*ledger.StripeStep); ok {
			out = append(out, st)
		}
	}
	return out
}

// simulated renders a chain transition without side effects.
func (e *Engine) simulated(txType ledger.TransactionType, req ChainRequest, target *ledger.Transaction, totals *ledger.Totals, steps ledger.Steps) *Result {
	e.metrics.TransactionOutcome(string(txType), "simulated")
	return &Result{Transaction: &ledger.Transaction{
		ID:                req.NewID,
		TransactionType:   txType,
		Currency:          target.Currency,
		Totals:            totals,
		Steps:             steps,
		RootTransactionID: target.RootTransactionID,
		Metadata:          req.Metadata,
		CreatedDate:       e.now().UTC(),
		CreatedBy:         req.CreatedBy,
	}}
}

func (e *Engine) created(txType ledger.TransactionType, t *ledger.Transaction) *Result {
	e.metrics.TransactionOutcome(string(txType), "created")
	e.log.Info("transaction created",
		zap.String("transactionId", t.ID), zap.String("type", string(txType)), zap.String("root", t.RootTransactionID))
	return &Result{Transaction: t, Created: true}
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// PARTY RESOLVER - Abstract party descriptors -> plan steps
// =============================================================================

// resolveMode selects how ineligible ledger values are handled.
type resolveMode int

const (
	// filtering skips ineligible values; a descriptor left with none is
	// InvalidParty. Used by checkout.
	filtering resolveMode = iota
	// strict surfaces the specific reason a named value cannot be used.
	// Used by credit, debit and transfer.
	strict
)

type resolveInput struct {
	currency string
	txID     string
	parties  []ledger.Party
	mode     resolveMode
	at       time.Time
}

// resolve returns one plan step per resolved party, amounts zero. A value
// reached through more than one descriptor appears once, at its first
// position.
func (e *Engine) resolve(ctx context.Context, in resolveInput) ([]PlanStep, error) {
	steps := make([]PlanStep, 0, len(in.parties))
	seen := make(map[string]bool)

	for i, party := range in.parties {
		switch party.Rail {
		case ledger.RailLightrail:
			values, code, err := e.lookupValues(ctx, party, in)
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				if seen[v.ID] {
					continue
				}
				seen[v.ID] = true
				steps = append(steps, &LightrailPlanStep{Value: v, Code: code})
			}

		case ledger.RailStripe:
			step, err := e.stripeStep(party, in.txID, i)
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)

		case ledger.RailInternal:
			if party.InternalID == "" || party.Balance == nil || *party.Balance < 0 {
				return nil, ledger.Errorf(ledger.ErrInvalidParty, "internal party %d requires internalId and a non-negative balance", i)
			}
			key := "internal:" + party.InternalID
			if seen[key] {
				continue
			}
			seen[key] = true
			steps = append(steps, &InternalPlanStep{
				InternalID:      party.InternalID,
				Balance:         *party.Balance,
				BeforeLightrail: party.BeforeLightrail,
			})

		default:
			return nil, ledger.Errorf(ledger.ErrInvalidRequest, "party %d has unknown rail %q", i, party.Rail)
		}
	}
	return steps, nil
}

// lookupValues resolves a lightrail descriptor. The returned code is the
// redacted code to record on the step.
func (e *Engine) lookupValues(ctx context.Context, party ledger.Party, in resolveInput) ([]*ledger.Value, string, error) {
	var (
		candidates []*ledger.Value
		code       string
		err        error
	)
	switch {
	case party.ValueID != "":
		var v *ledger.Value
		v, err = e.store.GetValue(ctx, party.ValueID)
		candidates = []*ledger.Value{v}
	case party.Code != "":
		var v *ledger.Value
		v, err = e.store.GetValueByCodeHash(ctx, e.codes.Hash(party.Code))
		candidates = []*ledger.Value{v}
		code = ledger.LastFour(party.Code)
	case party.ContactID != "":
		if in.mode == strict {
			return nil, "", ledger.Errorf(ledger.ErrInvalidRequest, "contactId cannot name a single value; use valueId or code")
		}
		var vs []ledger.Value
		vs, err = e.store.ListValuesByContact(ctx, party.ContactID)
		for i := range vs {
			candidates = append(candidates, &vs[i])
		}
	default:
		return nil, "", ledger.Errorf(ledger.ErrInvalidParty, "lightrail party requires valueId, code or contactId")
	}

	if err != nil {
		if in.mode == filtering && ledger.IsNotFound(err) {
			return nil, "", ledger.Errorf(ledger.ErrInvalidParty, "could not resolve party to a transactable balance")
		}
		return nil, "", err
	}

	if in.mode == strict {
		v := candidates[0]
		if err := v.Transactable(in.currency, in.at); err != nil {
			return nil, "", err
		}
		return candidates, code, nil
	}

	eligible := candidates[:0]
	for _, v := range candidates {
		if v.Transactable(in.currency, in.at) == nil && v.HasUsesRemaining() {
			eligible = append(eligible, v)
		}
	}
	if len(eligible) == 0 {
		return nil, "", ledger.Errorf(ledger.ErrInvalidParty, "could not resolve party to a transactable balance")
	}
	return eligible, code, nil
}

func (e *Engine) stripeStep(party ledger.Party, txID string, index int) (*StripePlanStep, error) {
	if party.ForgiveSubMinAmount {
		return nil, ledger.ErrForgiveSubMinAmountUnsupported
	}
	if party.Source == "" && party.Customer == "" {
		return nil, ledger.Errorf(ledger.ErrInvalidParty, "stripe party %d requires source or customer", index)
	}
	if party.MaxAmount != nil && *party.MaxAmount < 0 {
		return nil, ledger.Errorf(ledger.ErrInvalidRequest, "stripe party %d maxAmount must not be negative", index)
	}
	minAmount := e.cfg.MinProcessorCharge
	if party.MinAmount != nil {
		if *party.MinAmount < 0 {
			return nil, ledger.Errorf(ledger.ErrInvalidRequest, "stripe party %d minAmount must not be negative", index)
		}
		minAmount = *party.MinAmount
	}
	return &StripePlanStep{
		// Keyed by party index, not plan step index: the planner reorders
		// steps by phase and drops zero steps, and a replan may do either
		// differently. The caller's party order is what stays fixed across
		// retries.
		IdempotentStepID: fmt.Sprintf("%s-%d", txID, index),
		Source:           party.Source,
		Customer:         party.Customer,
		MaxAmount:        party.MaxAmount,
		MinAmount:        minAmount,
	}, nil
}

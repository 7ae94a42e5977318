package engine

import (
	"time"

	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// PLAN - A fully quantified transaction, not yet applied
// =============================================================================

// Plan is what the executor applies. Steps are in persistence order; their
// index in Steps is the step index of the committed transaction.
type Plan struct {
	ID              string
	Type            ledger.TransactionType
	Currency        string
	Totals          *ledger.Totals
	LineItems       []ledger.LineItem
	Steps           []PlanStep
	PaymentSources  []ledger.Party
	Tax             *ledger.TaxRequest
	Pending         bool
	PendingVoidDate *time.Time
	Metadata        map[string]any
	CreatedBy       string
	CreatedDate     time.Time
}

// PlanStep is one of *LightrailPlanStep, *StripePlanStep, *InternalPlanStep.
type PlanStep interface {
	rail() ledger.Rail
}

// LightrailPlanStep changes the balance of a ledger value. Value is the
// snapshot read at planning time; the executor re-reads it under lock.
type LightrailPlanStep struct {
	Value *ledger.Value
	// Amount is signed: negative debits, positive credits.
	Amount int64
	// UsesChange is nil when the step does not touch usesRemaining.
	UsesChange *int64
	// Code is the redacted code the caller named the value by, if any.
	Code string
}

// StripePlanStep charges a card processor payment method.
type StripePlanStep struct {
	IdempotentStepID string
	Source           string
	Customer         string
	MaxAmount        *int64
	MinAmount        int64
	// Amount is the positive amount to charge.
	Amount int64
}

// InternalPlanStep draws on a caller-declared internal balance.
type InternalPlanStep struct {
	InternalID      string
	Balance         int64
	BeforeLightrail bool
	// Amount is signed like LightrailPlanStep.Amount.
	Amount int64
}

func (*LightrailPlanStep) rail() ledger.Rail { return ledger.RailLightrail }
func (*StripePlanStep) rail() ledger.Rail    { return ledger.RailStripe }
func (*InternalPlanStep) rail() ledger.Rail  { return ledger.RailInternal }

// transaction returns the row the executor inserts, without steps.
func (p *Plan) transaction() *ledger.Transaction {
	return &ledger.Transaction{
		ID:                p.ID,
		TransactionType:   p.Type,
		Currency:          p.Currency,
		Totals:            p.Totals,
		LineItems:         p.LineItems,
		PaymentSources:    redactParties(p.PaymentSources),
		Tax:               p.Tax,
		Pending:           p.Pending,
		PendingVoidDate:   p.PendingVoidDate,
		RootTransactionID: p.ID,
		Metadata:          p.Metadata,
		CreatedDate:       p.CreatedDate,
		CreatedBy:         p.CreatedBy,
	}
}

// simulate renders the transaction the plan would commit, computed from the
// planning snapshots. Processor steps carry no charge id.
func (p *Plan) simulate() *ledger.Transaction {
	t := p.transaction()
	t.Steps = make(ledger.Steps, 0, len(p.Steps))
	for _, s := range p.Steps {
		switch st := s.(type) {
		case *LightrailPlanStep:
			t.Steps = append(t.Steps, lightrailStep(st, st.Value))
		case *StripePlanStep:
			t.Steps = append(t.Steps, &ledger.StripeStep{
				Amount:   -st.Amount,
				Source:   st.Source,
				Customer: st.Customer,
			})
		case *InternalPlanStep:
			t.Steps = append(t.Steps, internalStep(st))
		}
	}
	return t
}

// lightrailStep computes the step record of st applied to v.
func lightrailStep(st *LightrailPlanStep, v *ledger.Value) *ledger.LightrailStep {
	step := &ledger.LightrailStep{
		ValueID:       v.ID,
		ContactID:     v.ContactID,
		Code:          st.Code,
		BalanceChange: st.Amount,
	}
	if v.Balance != nil {
		step.BalanceBefore = ledger.Int64(*v.Balance)
		step.BalanceAfter = ledger.Int64(*v.Balance + st.Amount)
	}
	if st.UsesChange != nil && v.UsesRemaining != nil {
		step.UsesRemainingBefore = ledger.Int64(*v.UsesRemaining)
		step.UsesRemainingAfter = ledger.Int64(*v.UsesRemaining + *st.UsesChange)
		step.UsesRemainingChange = ledger.Int64(*st.UsesChange)
	}
	return step
}

func internalStep(st *InternalPlanStep) *ledger.InternalStep {
	return &ledger.InternalStep{
		InternalID:      st.InternalID,
		BalanceBefore:   st.Balance,
		BalanceAfter:    st.Balance + st.Amount,
		BalanceChange:   st.Amount,
		BeforeLightrail: st.BeforeLightrail,
	}
}

// dropEmpty removes steps that move nothing.
func dropEmpty(steps []PlanStep) []PlanStep {
	out := steps[:0]
	for _, s := range steps {
		switch st := s.(type) {
		case *LightrailPlanStep:
			if st.Amount == 0 && (st.UsesChange == nil || *st.UsesChange == 0) {
				continue
			}
		case *StripePlanStep:
			if st.Amount == 0 {
				continue
			}
		case *InternalPlanStep:
			if st.Amount == 0 {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func redactParties(parties []ledger.Party) []ledger.Party {
	if parties == nil {
		return nil
	}
	out := make([]ledger.Party, len(parties))
	for i, p := range parties {
		out[i] = p.Redacted()
	}
	return out
}

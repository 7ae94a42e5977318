package ledger

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// STEPS - One per funding source a transaction touched
// =============================================================================

// Step is a closed sum type: exactly one of *LightrailStep, *StripeStep or
// *InternalStep. Switch on it with a type switch; the unexported method keeps
// other packages from adding variants.
type Step interface {
	Rail() Rail
	isStep()
}

// LightrailStep records a balance change on a ledger Value.
// Before/After are nil for values whose balance comes from a rule.
type LightrailStep struct {
	ValueID             string `json:"valueId"`
	ContactID           string `json:"contactId,omitempty"`
	Code                string `json:"code,omitempty"`
	BalanceBefore       *int64 `json:"balanceBefore"`
	BalanceAfter        *int64 `json:"balanceAfter"`
	BalanceChange       int64  `json:"balanceChange"`
	UsesRemainingBefore *int64 `json:"usesRemainingBefore"`
	UsesRemainingAfter  *int64 `json:"usesRemainingAfter"`
	UsesRemainingChange *int64 `json:"usesRemainingChange"`
}

// StripeStep records a card processor charge (negative Amount) or refund
// (positive Amount). Charge holds the processor's raw record.
type StripeStep struct {
	ChargeID string          `json:"chargeId"`
	Amount   int64           `json:"amount"`
	Source   string          `json:"source,omitempty"`
	Customer string          `json:"customer,omitempty"`
	Charge   json.RawMessage `json:"charge,omitempty"`
}

// InternalStep records a change against an unsecured internal balance.
type InternalStep struct {
	InternalID      string `json:"internalId"`
	BalanceBefore   int64  `json:"balanceBefore"`
	BalanceAfter    int64  `json:"balanceAfter"`
	BalanceChange   int64  `json:"balanceChange"`
	BeforeLightrail bool   `json:"beforeLightrail"`
}

func (*LightrailStep) Rail() Rail { return RailLightrail }
func (*StripeStep) Rail() Rail    { return RailStripe }
func (*InternalStep) Rail() Rail  { return RailInternal }

func (*LightrailStep) isStep() {}
func (*StripeStep) isStep()    {}
func (*InternalStep) isStep()  {}

// Steps is the ordered step list of a transaction. It marshals each variant
// with a "rail" discriminant.
type Steps []Step

func (s Steps) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(s))
	for _, step := range s {
		raw, err := marshalStep(step)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (s *Steps) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	steps := make(Steps, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			Rail Rail `json:"rail"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return err
		}
		var step Step
		switch head.Rail {
		case RailLightrail:
			step = &LightrailStep{}
		case RailStripe:
			step = &StripeStep{}
		case RailInternal:
			step = &InternalStep{}
		default:
			return fmt.Errorf("unknown step rail %q", head.Rail)
		}
		if err := json.Unmarshal(raw, step); err != nil {
			return err
		}
		steps = append(steps, step)
	}
	*s = steps
	return nil
}

func marshalStep(step Step) ([]byte, error) {
	switch st := step.(type) {
	case *LightrailStep:
		type alias LightrailStep
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*alias
		}{RailLightrail, (*alias)(st)})
	case *StripeStep:
		type alias StripeStep
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*alias
		}{RailStripe, (*alias)(st)})
	case *InternalStep:
		type alias InternalStep
		return json.Marshal(struct {
			Rail Rail `json:"rail"`
			*alias
		}{RailInternal, (*alias)(st)})
	default:
		return nil, fmt.Errorf("unknown step type %T", step)
	}
}

// SumByRail returns the total balance change per rail. Stripe amounts are
// already signed from the merchant's point of view.
func (s Steps) SumByRail() map[Rail]int64 {
	sums := make(map[Rail]int64, 3)
	for _, step := range s {
		switch st := step.(type) {
		case *LightrailStep:
			sums[RailLightrail] += st.BalanceChange
		case *StripeStep:
			sums[RailStripe] += st.Amount
		case *InternalStep:
			sums[RailInternal] += st.BalanceChange
		}
	}
	return sums
}

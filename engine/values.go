package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// VALUES
// =============================================================================

// IssueValueRequest creates a value. A nil Active means active.
type IssueValueRequest struct {
	ID                      string
	Currency                string
	Balance                 *int64
	UsesRemaining           *int64
	BalanceRule             *ledger.Rule
	RedemptionRule          *ledger.Rule
	Discount                bool
	DiscountSellerLiability *decimal.Decimal
	Pretax                  bool
	Active                  *bool
	Frozen                  bool
	StartDate               *time.Time
	EndDate                 *time.Time
	ProgramID               string
	ContactID               string
	Code                    string
	IsGenericCode           bool
	Metadata                map[string]any
	CreatedBy               string
}

// IssueValue inserts the value and, when it starts with a balance or
// uses, its initialBalance transaction (id = value id) in one database
// transaction.
func (e *Engine) IssueValue(ctx context.Context, req IssueValueRequest) (*ledger.Value, error) {
	if err := e.validateIssue(req); err != nil {
		return nil, e.fail(ctx, ledger.TxInitialBalance, err)
	}
	now := e.now().UTC()

	v := &ledger.Value{
		ID:                      req.ID,
		Currency:                req.Currency,
		Balance:                 req.Balance,
		UsesRemaining:           req.UsesRemaining,
		BalanceRule:             req.BalanceRule,
		RedemptionRule:          req.RedemptionRule,
		Discount:                req.Discount,
		DiscountSellerLiability: req.DiscountSellerLiability,
		Pretax:                  req.Pretax,
		Active:                  req.Active == nil || *req.Active,
		Frozen:                  req.Frozen,
		StartDate:               req.StartDate,
		EndDate:                 req.EndDate,
		ProgramID:               req.ProgramID,
		ContactID:               req.ContactID,
		IsGenericCode:           req.IsGenericCode,
		Metadata:                req.Metadata,
		CreatedDate:             now,
		UpdatedDate:             now,
		CreatedBy:               req.CreatedBy,
	}
	if !v.HasBalanceRule() && v.Balance == nil {
		v.Balance = ledger.Int64(0)
	}
	if req.Code != "" {
		v.CodeHashed = e.codes.Hash(req.Code)
		v.CodeLastFour = ledger.LastFour(req.Code)
		if req.IsGenericCode {
			v.CodeLastFour = req.Code
		}
	}

	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertValue(ctx, v); err != nil {
			return err
		}
		step := initialStep(v)
		if step == nil {
			return nil
		}
		t := &ledger.Transaction{
			ID:                v.ID,
			TransactionType:   ledger.TxInitialBalance,
			Currency:          v.Currency,
			RootTransactionID: v.ID,
			CreatedDate:       now,
			CreatedBy:         req.CreatedBy,
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		return tx.InsertStep(ctx, t.ID, 0, step)
	})
	if err != nil {
		return nil, e.fail(ctx, ledger.TxInitialBalance, err)
	}

	e.log.Info("value issued", zap.String("valueId", v.ID), zap.String("currency", v.Currency))
	return e.store.GetValue(ctx, v.ID)
}

// initialStep returns the opening step of v, or nil when it opens empty.
func initialStep(v *ledger.Value) *ledger.LightrailStep {
	hasBalance := v.Balance != nil && *v.Balance > 0
	if !hasBalance && v.UsesRemaining == nil {
		return nil
	}
	step := &ledger.LightrailStep{ValueID: v.ID, ContactID: v.ContactID, Code: v.CodeLastFour}
	if v.Balance != nil {
		step.BalanceBefore = ledger.Int64(0)
		step.BalanceAfter = ledger.Int64(*v.Balance)
		step.BalanceChange = *v.Balance
	}
	if v.UsesRemaining != nil {
		step.UsesRemainingBefore = ledger.Int64(0)
		step.UsesRemainingAfter = ledger.Int64(*v.UsesRemaining)
		step.UsesRemainingChange = ledger.Int64(*v.UsesRemaining)
	}
	return step
}

func (e *Engine) validateIssue(req IssueValueRequest) error {
	switch {
	case req.ID == "":
		return ledger.Errorf(ledger.ErrInvalidRequest, "id is required")
	case len(req.ID) > maxIDLength:
		return ledger.Errorf(ledger.ErrInvalidRequest, "id must be at most %d characters", maxIDLength)
	case req.Currency == "":
		return ledger.Errorf(ledger.ErrInvalidRequest, "currency is required")
	case req.Balance != nil && req.BalanceRule != nil:
		return ledger.ErrBalanceRuleAndBalance
	case req.Balance != nil && *req.Balance < 0:
		return ledger.Errorf(ledger.ErrInvalidRequest, "balance must not be negative")
	case req.Balance != nil && *req.Balance > ledger.MaxBalance:
		return ledger.Errorf(ledger.ErrBalanceTooLarge, "balance exceeds %d", ledger.MaxBalance)
	case req.UsesRemaining != nil && *req.UsesRemaining < 0:
		return ledger.Errorf(ledger.ErrInvalidRequest, "usesRemaining must not be negative")
	case req.DiscountSellerLiability != nil && !req.Discount:
		return ledger.Errorf(ledger.ErrInvalidRequest, "discountSellerLiability requires discount")
	case !isRate(req.DiscountSellerLiability):
		return ledger.Errorf(ledger.ErrInvalidRequest, "discountSellerLiability must be between 0 and 1")
	case req.StartDate != nil && req.EndDate != nil && !req.StartDate.Before(*req.EndDate):
		return ledger.Errorf(ledger.ErrInvalidRequest, "startDate must be before endDate")
	}
	for _, r := range []*ledger.Rule{req.BalanceRule, req.RedemptionRule} {
		if r == nil {
			continue
		}
		if r.Rule == "" {
			return ledger.Errorf(ledger.ErrInvalidRule, "rule must not be empty")
		}
		if err := e.rules.Validate(r.Rule); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) GetValue(ctx context.Context, id string) (*ledger.Value, error) {
	return e.store.GetValue(ctx, id)
}

// DeleteValue removes a value no transaction step references.
func (e *Engine) DeleteValue(ctx context.Context, id string) error {
	if err := e.store.DeleteValue(ctx, id); err != nil {
		return err
	}
	e.log.Info("value deleted", zap.String("valueId", id))
	return nil
}

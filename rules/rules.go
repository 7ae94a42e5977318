/*
Package rules evaluates balance and redemption rules.

PURPOSE:
  A Value may carry a balanceRule (how much it contributes to one line item)
  and a redemptionRule (whether it applies to that line at all). Rules are
  expressions over the line being paid:

    currentLineItem.lineTotal.subtotal * 0.25
    "sale" in currentLineItem.tags && currentLineItem.unitPrice > 1000

CONTEXT VARIABLES:
  currentLineItem: unitPrice, quantity, productId, variantId, type, tags,
                   taxRate, marketplaceRate, metadata,
                   lineTotal {subtotal, taxable, tax, discount, remainder, payable}
  value:           id, balance, usesRemaining, metadata
  metadata:        the transaction's metadata

CACHING:
  Compiled programs are cached by source text, so a rule shared by many
  values of one program compiles once per process.
*/
package rules

import (
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"

	"github.com/warp/value-ledger/ledger"
)

// Context is the data a rule is evaluated against.
type Context struct {
	LineItem ledger.LineItem
	Value    *ledger.Value
	Metadata map[string]any
}

// Evaluator compiles and runs rules.
type Evaluator struct {
	cache sync.Map // source -> *vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Validate reports an InvalidRule error when src does not compile.
func (e *Evaluator) Validate(src string) error {
	_, err := e.compile(src)
	return err
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	if p, ok := e.cache.Load(src); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(src)
	if err != nil {
		return nil, ledger.Errorf(ledger.ErrInvalidRule, "rule %q does not compile: %v", src, err)
	}
	actual, _ := e.cache.LoadOrStore(src, program)
	return actual.(*vm.Program), nil
}

// Number evaluates a balance rule. Non-finite results are errors and
// negative results count as zero; callers round to minor units.
func (e *Evaluator) Number(src string, c Context) (decimal.Decimal, error) {
	out, err := e.run(src, c)
	if err != nil {
		return decimal.Zero, err
	}
	var d decimal.Decimal
	switch n := out.(type) {
	case int:
		d = decimal.NewFromInt(int64(n))
	case int64:
		d = decimal.NewFromInt(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, ledger.Errorf(ledger.ErrInvalidRule, "rule %q produced %v", src, n)
		}
		d = decimal.NewFromFloat(n)
	case nil:
		return decimal.Zero, nil
	default:
		return decimal.Zero, ledger.Errorf(ledger.ErrInvalidRule, "rule %q produced %T, want a number", src, out)
	}
	if d.IsNegative() {
		return decimal.Zero, nil
	}
	return d, nil
}

// Bool evaluates a redemption rule.
func (e *Evaluator) Bool(src string, c Context) (bool, error) {
	out, err := e.run(src, c)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, ledger.Errorf(ledger.ErrInvalidRule, "rule %q produced %T, want a boolean", src, out)
	}
	return b, nil
}

func (e *Evaluator) run(src string, c Context) (any, error) {
	program, err := e.compile(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env(c))
	if err != nil {
		return nil, ledger.Errorf(ledger.ErrInvalidRule, "rule %q failed: %v", src, err)
	}
	return out, nil
}

func env(c Context) map[string]any {
	li := c.LineItem
	item := map[string]any{
		"type":            li.Type,
		"productId":       li.ProductID,
		"variantId":       li.VariantID,
		"unitPrice":       int(li.UnitPrice),
		"quantity":        int(li.Quantity),
		"tags":            stringsToAny(li.Tags),
		"taxRate":         rate(li.TaxRate),
		"marketplaceRate": rate(li.MarketplaceRate),
		"metadata":        orEmpty(li.Metadata),
		"lineTotal":       lineTotal(li.LineTotal),
	}

	value := map[string]any{}
	if v := c.Value; v != nil {
		value["id"] = v.ID
		value["metadata"] = orEmpty(v.Metadata)
		if v.Balance != nil {
			value["balance"] = int(*v.Balance)
		}
		if v.UsesRemaining != nil {
			value["usesRemaining"] = int(*v.UsesRemaining)
		}
	}

	return map[string]any{
		"currentLineItem": item,
		"value":           value,
		"metadata":        orEmpty(c.Metadata),
	}
}

func lineTotal(lt *ledger.LineTotal) map[string]any {
	if lt == nil {
		lt = &ledger.LineTotal{}
	}
	return map[string]any{
		"subtotal":  int(lt.Subtotal),
		"taxable":   int(lt.Taxable),
		"tax":       int(lt.Tax),
		"discount":  int(lt.Discount),
		"remainder": int(lt.Remainder),
		"payable":   int(lt.Payable),
	}
}

func rate(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}


package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/value-ledger/ledger"
)

func line(unitPrice int64, tags ...string) Context {
	return Context{LineItem: ledger.LineItem{
		ProductID: "sku-1",
		UnitPrice: unitPrice,
		Quantity:  2,
		Tags:      tags,
		LineTotal: &ledger.LineTotal{Subtotal: unitPrice * 2, Taxable: unitPrice * 2, Remainder: unitPrice * 2},
	}}
}

func TestNumber_PercentOfSubtotal(t *testing.T) {
	e := NewEvaluator()
	got, err := e.Number("currentLineItem.lineTotal.subtotal * 0.25", line(1000))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(500).Equal(got), "got %s", got)
}

func TestNumber_IntegerArithmetic(t *testing.T) {
	e := NewEvaluator()
	got, err := e.Number("currentLineItem.unitPrice - 150", line(1000))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(850).Equal(got))
}

func TestNumber_NegativeClampsToZero(t *testing.T) {
	e := NewEvaluator()
	got, err := e.Number("currentLineItem.unitPrice - 5000", line(1000))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestNumber_NonNumericResult(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Number(`currentLineItem.productId`, line(1000))
	assert.ErrorIs(t, err, ledger.ErrInvalidRule)
}

func TestBool_TagMembership(t *testing.T) {
	e := NewEvaluator()

	ok, err := e.Bool(`"sale" in currentLineItem.tags`, line(1000, "sale", "summer"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Bool(`"sale" in currentLineItem.tags`, line(1000, "winter"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_CompileError(t *testing.T) {
	e := NewEvaluator()
	err := e.Validate("currentLineItem.lineTotal.subtotal * (")
	assert.ErrorIs(t, err, ledger.ErrInvalidRule)
	assert.NoError(t, e.Validate("1 + 1"))
}

func TestCompile_IsCached(t *testing.T) {
	e := NewEvaluator()
	src := "currentLineItem.quantity * 10"
	first, err := e.compile(src)
	require.NoError(t, err)
	second, err := e.compile(src)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

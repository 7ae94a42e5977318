package sandbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/value-ledger/processor"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	p, err := Open(filepath.Join(t.TempDir(), "sandbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCharge_IdempotentReplay(t *testing.T) {
	// GIVEN: A charge made with an idempotency key
	ctx := context.Background()
	p := newTestProcessor(t)
	params := processor.ChargeParams{Amount: 1500, Currency: "USD", Source: TokenVisa, Capture: true, IdempotencyKey: "checkout-1-0"}
	first, err := p.Charge(ctx, params)
	require.NoError(t, err)

	// WHEN: The same request is retried
	second, err := p.Charge(ctx, params)

	// THEN: The stored charge comes back instead of a new one
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// AND: Reusing the key with different parameters conflicts
	params.Amount = 1600
	_, err = p.Charge(ctx, params)
	assert.True(t, processor.IsCode(err, processor.CodeIdempotencyConflict))
}

func TestCharge_DeclineIsRememberedAgainstKey(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t)
	params := processor.ChargeParams{Amount: 500, Currency: "USD", Source: TokenDeclined, IdempotencyKey: "k"}

	_, err := p.Charge(ctx, params)
	assert.True(t, processor.IsCode(err, processor.CodeCardDeclined))

	_, err = p.Charge(ctx, params)
	assert.True(t, processor.IsCode(err, processor.CodeCardDeclined), "replay returns the stored decline")
}

func TestCapture_AlreadyCapturedOutOfBand(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t)
	auth, err := p.Charge(ctx, processor.ChargeParams{Amount: 900, Currency: "USD", Source: TokenVisa, IdempotencyKey: "auth"})
	require.NoError(t, err)
	require.False(t, auth.Captured)

	// Captured without a key, as a dashboard user would.
	_, err = p.Capture(ctx, auth.ID, "")
	require.NoError(t, err)

	_, err = p.Capture(ctx, auth.ID, "pending-capture-0")
	assert.True(t, processor.IsCode(err, processor.CodeAlreadyCaptured))
}

func TestRefund_FullThenAgain(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t)
	ch, err := p.Charge(ctx, processor.ChargeParams{Amount: 700, Currency: "USD", Source: TokenVisa, Capture: true})
	require.NoError(t, err)

	refund, err := p.Refund(ctx, processor.RefundParams{ChargeID: ch.ID, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(700), refund.Amount)

	replayed, err := p.Refund(ctx, processor.RefundParams{ChargeID: ch.ID, IdempotencyKey: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, refund.ID, replayed.ID)

	_, err = p.Refund(ctx, processor.RefundParams{ChargeID: ch.ID, IdempotencyKey: "r-2"})
	assert.True(t, processor.IsCode(err, processor.CodeAlreadyRefunded))

	got, err := p.GetCharge(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, got.Refunded)
	require.Len(t, got.Refunds, 1)
}

func TestRefund_DisputedCharge(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t)
	ch, err := p.Charge(ctx, processor.ChargeParams{Amount: 700, Currency: "USD", Source: TokenVisa, Capture: true})
	require.NoError(t, err)
	require.NoError(t, p.Dispute(ch.ID))

	_, err = p.Refund(ctx, processor.RefundParams{ChargeID: ch.ID})
	assert.True(t, processor.IsCode(err, processor.CodeDisputed))
}

func TestInjectFault_OneShot(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t)
	p.InjectFault("charge", &processor.Error{Code: processor.CodeAPI, Message: "boom"})

	_, err := p.Charge(ctx, processor.ChargeParams{Amount: 100, Currency: "USD", Source: TokenVisa})
	assert.True(t, processor.IsCode(err, processor.CodeAPI))

	_, err = p.Charge(ctx, processor.ChargeParams{Amount: 100, Currency: "USD", Source: TokenVisa})
	assert.NoError(t, err)
}

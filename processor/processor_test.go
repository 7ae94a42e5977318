package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/value-ledger/ledger"
	"github.com/warp/value-ledger/telemetry"
)

// scriptedClient returns queued errors from Charge.
type scriptedClient struct {
	errs  []error
	calls int
}

func (c *scriptedClient) Charge(context.Context, ChargeParams) (*Charge, error) {
	c.calls++
	if len(c.errs) == 0 {
		return &Charge{ID: "ch_ok"}, nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return nil, err
}

func (c *scriptedClient) Capture(context.Context, string, string) (*Charge, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) Refund(context.Context, RefundParams) (*Refund, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) GetCharge(context.Context, string) (*Charge, error) {
	return nil, errors.New("not scripted")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want *ledger.Error
	}{
		{&Error{Code: CodeCardDeclined}, ledger.ErrStripeCardDeclined},
		{&Error{Code: CodeInvalidPaymentMethod}, ledger.ErrStripeInvalidPayment},
		{&Error{Code: CodeRateLimited}, ledger.ErrStripeRateLimited},
		{&Error{Code: CodeIdempotencyConflict}, ledger.ErrStripeIdempotency},
		{&Error{Code: CodeDisputed}, ledger.ErrStripeChargeDisputed},
		{&Error{Code: CodePermission}, ledger.ErrStripePermission},
		{&Error{Code: CodeResourceMissing}, ledger.ErrStripeChargeNotFound},
		{&Error{Code: CodeAPI}, ledger.ErrStripe},
		{gobreaker.ErrOpenState, ledger.ErrStripeUnavailable},
		{context.DeadlineExceeded, ledger.ErrStripeUnavailable},
		{errors.New("tcp reset"), ledger.ErrStripe},
	}
	for _, tc := range cases {
		got := Classify(tc.err)
		assert.ErrorIs(t, got, tc.want, "classifying %v", tc.err)
	}
	assert.Nil(t, Classify(nil))
}

func TestBreaker_DeclinesDoNotTrip(t *testing.T) {
	// GIVEN: A breaker that trips after 2 consecutive failures
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	declined := &Error{Code: CodeCardDeclined}
	next := &scriptedClient{errs: []error{declined, declined, declined}}
	b := NewBreaker(next, cfg, zap.NewNop(), telemetry.NewMetrics())

	// WHEN: Three declines come back
	for i := 0; i < 3; i++ {
		_, err := b.Charge(context.Background(), ChargeParams{})
		require.True(t, IsCode(err, CodeCardDeclined))
	}

	// THEN: The breaker stays closed
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_OutageTrips(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	outage := &Error{Code: CodeAPI}
	next := &scriptedClient{errs: []error{outage, outage}}
	b := NewBreaker(next, cfg, zap.NewNop(), nil)

	for i := 0; i < 2; i++ {
		_, err := b.Charge(context.Background(), ChargeParams{})
		require.Error(t, err)
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Charge(context.Background(), ChargeParams{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, next.calls, "open breaker rejects without calling through")
	assert.ErrorIs(t, Classify(err), ledger.ErrStripeUnavailable)
}

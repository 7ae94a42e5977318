package processor

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/warp/value-ledger/telemetry"
)

// BreakerConfig tunes the circuit breaker around the processor.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "processor",
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.5,
	}
}

// Breaker decorates a Client with a circuit breaker, call metrics and
// logging. Declines and other business errors do not count as failures.
type Breaker struct {
	next    Client
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
	metrics *telemetry.Metrics
}

var _ Client = (*Breaker)(nil)

func NewBreaker(next Client, cfg BreakerConfig, log *zap.Logger, metrics *telemetry.Metrics) *Breaker {
	b := &Breaker{next: next, log: log.Named("processor"), metrics: metrics}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isBusinessError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
			b.metrics.BreakerState(name, stateValue(to))
		},
	})
	metrics.BreakerState(cfg.Name, 0)
	return b
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Charge(ctx context.Context, p ChargeParams) (*Charge, error) {
	return call(b, "charge", func() (*Charge, error) { return b.next.Charge(ctx, p) })
}

func (b *Breaker) Capture(ctx context.Context, chargeID, idempotencyKey string) (*Charge, error) {
	return call(b, "capture", func() (*Charge, error) { return b.next.Capture(ctx, chargeID, idempotencyKey) })
}

func (b *Breaker) Refund(ctx context.Context, p RefundParams) (*Refund, error) {
	return call(b, "refund", func() (*Refund, error) { return b.next.Refund(ctx, p) })
}

func (b *Breaker) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	return call(b, "get_charge", func() (*Charge, error) { return b.next.GetCharge(ctx, chargeID) })
}

func call[T any](b *Breaker, op string, fn func() (*T, error)) (*T, error) {
	start := time.Now()
	out, err := b.cb.Execute(func() (any, error) { return fn() })
	b.metrics.ProcessorCall(op, outcome(err), time.Since(start))
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.log.Warn("processor call rejected by circuit breaker", zap.String("op", op), zap.Error(err))
		} else if !isBusinessError(err) {
			b.log.Error("processor call failed", zap.String("op", op), zap.Error(err))
		}
		return nil, err
	}
	return out.(*T), nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *Error
	if errors.As(err, &pe) {
		return string(pe.Code)
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		return "breaker_open"
	}
	return "error"
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

/*
Package processor defines the card processor the engine charges through.

PURPOSE:
  The ledger never holds card funds itself; processor parties are charged,
  captured and refunded through a Client. Every mutating call carries an
  idempotency key so a retried request converges on the same charge.

IMPLEMENTATIONS:
  - processor/sandbox: Bolt-backed sandbox honouring idempotency keys
  - Breaker:           Circuit-breaking decorator around any Client

SEE ALSO:
  - errors.go: Processor error codes and their ledger message codes
*/
package processor

import (
	"context"
	"time"
)

// Client is a card processor.
type Client interface {
	// Charge creates a charge; Capture=false only authorizes it.
	Charge(ctx context.Context, p ChargeParams) (*Charge, error)

	// Capture finalizes an authorized charge. A charge already captured
	// fails with CodeAlreadyCaptured.
	Capture(ctx context.Context, chargeID, idempotencyKey string) (*Charge, error)

	// Refund returns all (Amount 0) or part of a charge. A fully refunded
	// charge fails with CodeAlreadyRefunded; a disputed one with CodeDisputed.
	Refund(ctx context.Context, p RefundParams) (*Refund, error)

	// GetCharge reads the processor's current record of a charge.
	GetCharge(ctx context.Context, chargeID string) (*Charge, error)
}

type ChargeParams struct {
	Amount         int64
	Currency       string
	Source         string
	Customer       string
	Capture        bool
	IdempotencyKey string
	Metadata       map[string]string
}

type RefundParams struct {
	ChargeID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Charge is the processor's record of a charge.
type Charge struct {
	ID             string            `json:"id"`
	Object         string            `json:"object"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Captured       bool              `json:"captured"`
	Refunded       bool              `json:"refunded"`
	Disputed       bool              `json:"disputed"`
	Source         string            `json:"source,omitempty"`
	Customer       string            `json:"customer,omitempty"`
	Refunds        []Refund          `json:"refunds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Created        time.Time         `json:"created"`
}

// Refund is the processor's record of a refund.
type Refund struct {
	ID       string    `json:"id"`
	Object   string    `json:"object"`
	ChargeID string    `json:"charge"`
	Amount   int64     `json:"amount"`
	Reason   string    `json:"reason,omitempty"`
	Created  time.Time `json:"created"`
}

// Package sandbox provides a BoltDB-backed card processor for development
// and tests.
//
// It behaves like a hosted processor in the ways the engine depends on:
//   - Idempotency: a key replayed with the same parameters returns the
//     stored result (including a stored decline) without charging again; a
//     key replayed with different parameters fails with idempotency_conflict.
//   - Out-of-band changes: charges can be captured, refunded or disputed
//     behind the engine's back, and later calls observe it.
//
// Test tokens
// -----------
//
//	tok_visa             succeeds
//	tok_chargeDeclined   card_declined
//	tok_invalid          invalid_payment_method
//	tok_rateLimited      rate_limited (not recorded against the key)
//	tok_apiError         api_error (not recorded against the key)
//
// Any other non-empty source or customer succeeds.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/warp/value-ledger/processor"
)

const (
	TokenVisa        = "tok_visa"
	TokenDeclined    = "tok_chargeDeclined"
	TokenInvalid     = "tok_invalid"
	TokenRateLimited = "tok_rateLimited"
	TokenAPIError    = "tok_apiError"
)

const (
	bucketCharges     = "charges"
	bucketIdempotency = "idempotency"
)

// Processor is a processor.Client persisted in a Bolt file.
type Processor struct {
	db  *bolt.DB
	now func() time.Time

	mu     sync.Mutex
	faults map[string][]error
}

var _ processor.Client = (*Processor)(nil)

// idempotencyRecord is what a key remembers: the request fingerprint and
// either the resulting object id or the error code it failed with.
type idempotencyRecord struct {
	Fingerprint string         `json:"fingerprint"`
	ObjectID    string         `json:"objectId,omitempty"`
	ErrCode     processor.Code `json:"errCode,omitempty"`
	ErrMessage  string         `json:"errMessage,omitempty"`
}

// Open opens (or creates) the Bolt file at path and ensures the buckets
// exist.
func Open(path string) (*Processor, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox processor: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCharges, bucketIdempotency} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Processor{db: db, now: time.Now, faults: make(map[string][]error)}, nil
}

// Close releases the database file lock.
func (p *Processor) Close() error {
	return p.db.Close()
}

// InjectFault makes the next call of op ("charge", "capture", "refund",
// "get_charge") fail with err before touching any state.
func (p *Processor) InjectFault(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], err)
}

func (p *Processor) takeFault(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := p.faults[op]
	if len(queue) == 0 {
		return nil
	}
	p.faults[op] = queue[1:]
	return queue[0]
}

// =============================================================================
// CLIENT
// =============================================================================

func (p *Processor) Charge(ctx context.Context, params processor.ChargeParams) (*processor.Charge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.takeFault("charge"); err != nil {
		return nil, err
	}

	token := params.Source
	switch token {
	case TokenRateLimited:
		return nil, &processor.Error{Code: processor.CodeRateLimited, Message: "too many requests"}
	case TokenAPIError:
		return nil, &processor.Error{Code: processor.CodeAPI, Message: "processor internal error"}
	}

	fingerprint := fmt.Sprintf("charge|%d|%s|%s|%s|%t", params.Amount, strings.ToLower(params.Currency), params.Source, params.Customer, params.Capture)
	var (
		result   processor.Charge
		declined *processor.Error
	)

	err := p.db.Update(func(tx *bolt.Tx) error {
		charges := tx.Bucket([]byte(bucketCharges))

		replayed, err := p.replay(tx, "charge", params.IdempotencyKey, fingerprint, func(id string) error {
			return getJSON(charges, id, &result)
		})
		if replayed || err != nil {
			return err
		}

		var failure *processor.Error
		switch {
		case params.Source == "" && params.Customer == "":
			failure = &processor.Error{Code: processor.CodeInvalidPaymentMethod, Message: "a source or customer is required"}
		case token == TokenDeclined:
			failure = &processor.Error{Code: processor.CodeCardDeclined, Message: "your card was declined"}
		case token == TokenInvalid:
			failure = &processor.Error{Code: processor.CodeInvalidPaymentMethod, Message: "no such token"}
		case params.Amount <= 0:
			failure = &processor.Error{Code: processor.CodeInvalidRequest, Message: "amount must be positive"}
		}
		if failure != nil {
			// The failure is recorded against the key and committed.
			declined = failure
			return p.remember(tx, "charge", params.IdempotencyKey, idempotencyRecord{
				Fingerprint: fingerprint, ErrCode: failure.Code, ErrMessage: failure.Message,
			})
		}

		result = processor.Charge{
			ID:       "ch_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Object:   "charge",
			Amount:   params.Amount,
			Currency: strings.ToLower(params.Currency),
			Captured: params.Capture,
			Source:   params.Source,
			Customer: params.Customer,
			Metadata: params.Metadata,
			Created:  p.now().UTC(),
		}
		if err := putJSON(charges, result.ID, result); err != nil {
			return err
		}
		return p.remember(tx, "charge", params.IdempotencyKey, idempotencyRecord{Fingerprint: fingerprint, ObjectID: result.ID})
	})
	if err != nil {
		return nil, err
	}
	if declined != nil {
		return nil, declined
	}
	return &result, nil
}

func (p *Processor) Capture(ctx context.Context, chargeID, idempotencyKey string) (*processor.Charge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.takeFault("capture"); err != nil {
		return nil, err
	}

	fingerprint := "capture|" + chargeID
	var result processor.Charge
	err := p.db.Update(func(tx *bolt.Tx) error {
		charges := tx.Bucket([]byte(bucketCharges))

		replayed, err := p.replay(tx, "capture", idempotencyKey, fingerprint, func(id string) error {
			return getJSON(charges, id, &result)
		})
		if replayed || err != nil {
			return err
		}

		if err := getJSON(charges, chargeID, &result); err != nil {
			return err
		}
		switch {
		case result.Captured:
			return &processor.Error{Code: processor.CodeAlreadyCaptured, Message: "charge has already been captured", ChargeID: chargeID}
		case result.Refunded:
			return &processor.Error{Code: processor.CodeAlreadyRefunded, Message: "charge has been refunded", ChargeID: chargeID}
		}
		result.Captured = true
		if err := putJSON(charges, result.ID, result); err != nil {
			return err
		}
		return p.remember(tx, "capture", idempotencyKey, idempotencyRecord{Fingerprint: fingerprint, ObjectID: result.ID})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Processor) Refund(ctx context.Context, params processor.RefundParams) (*processor.Refund, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.takeFault("refund"); err != nil {
		return nil, err
	}

	fingerprint := fmt.Sprintf("refund|%s|%d", params.ChargeID, params.Amount)
	var result processor.Refund
	err := p.db.Update(func(tx *bolt.Tx) error {
		charges := tx.Bucket([]byte(bucketCharges))

		var charge processor.Charge
		replayed, err := p.replay(tx, "refund", params.IdempotencyKey, fingerprint, func(id string) error {
			if err := getJSON(charges, params.ChargeID, &charge); err != nil {
				return err
			}
			for _, r := range charge.Refunds {
				if r.ID == id {
					result = r
					return nil
				}
			}
			return &processor.Error{Code: processor.CodeResourceMissing, Message: "no such refund: " + id}
		})
		if replayed || err != nil {
			return err
		}

		if err := getJSON(charges, params.ChargeID, &charge); err != nil {
			return err
		}
		remaining := charge.Amount - charge.AmountRefunded
		switch {
		case charge.Disputed:
			return &processor.Error{Code: processor.CodeDisputed, Message: "charge has been disputed", ChargeID: charge.ID}
		case charge.Refunded || remaining == 0:
			return &processor.Error{Code: processor.CodeAlreadyRefunded, Message: "charge has already been refunded", ChargeID: charge.ID}
		case params.Amount > remaining:
			return &processor.Error{Code: processor.CodeInvalidRequest, Message: "refund exceeds the unrefunded amount", ChargeID: charge.ID}
		}

		amount := params.Amount
		if amount == 0 {
			amount = remaining
		}
		result = processor.Refund{
			ID:       "re_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Object:   "refund",
			ChargeID: charge.ID,
			Amount:   amount,
			Reason:   params.Reason,
			Created:  p.now().UTC(),
		}
		charge.Refunds = append(charge.Refunds, result)
		charge.AmountRefunded += amount
		charge.Refunded = charge.AmountRefunded == charge.Amount
		if err := putJSON(charges, charge.ID, charge); err != nil {
			return err
		}
		return p.remember(tx, "refund", params.IdempotencyKey, idempotencyRecord{Fingerprint: fingerprint, ObjectID: result.ID})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Processor) GetCharge(ctx context.Context, chargeID string) (*processor.Charge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.takeFault("get_charge"); err != nil {
		return nil, err
	}
	var result processor.Charge
	err := p.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(bucketCharges)), chargeID, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Dispute marks a charge as disputed, as a cardholder would out of band.
func (p *Processor) Dispute(chargeID string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		charges := tx.Bucket([]byte(bucketCharges))
		var charge processor.Charge
		if err := getJSON(charges, chargeID, &charge); err != nil {
			return err
		}
		charge.Disputed = true
		return putJSON(charges, chargeID, charge)
	})
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// replay looks the key up. When found with the same fingerprint it loads
// the stored object (or returns the stored error) and reports replayed.
func (p *Processor) replay(tx *bolt.Tx, op, key, fingerprint string, load func(id string) error) (bool, error) {
	if key == "" {
		return false, nil
	}
	raw := tx.Bucket([]byte(bucketIdempotency)).Get([]byte(op + ":" + key))
	if raw == nil {
		return false, nil
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return true, err
	}
	if rec.Fingerprint != fingerprint {
		return true, &processor.Error{
			Code:    processor.CodeIdempotencyConflict,
			Message: fmt.Sprintf("idempotency key %q was used with different parameters", key),
		}
	}
	if rec.ErrCode != "" {
		return true, &processor.Error{Code: rec.ErrCode, Message: rec.ErrMessage}
	}
	return true, load(rec.ObjectID)
}

// remember stores rec under the key.
func (p *Processor) remember(tx *bolt.Tx, op, key string, rec idempotencyRecord) error {
	if key == "" {
		return nil
	}
	return putJSON(tx.Bucket([]byte(bucketIdempotency)), op+":"+key, rec)
}

func getJSON(b *bolt.Bucket, id string, dst any) error {
	raw := b.Get([]byte(id))
	if raw == nil {
		return &processor.Error{Code: processor.CodeResourceMissing, Message: "no such object: " + id, ChargeID: id}
	}
	return json.Unmarshal(raw, dst)
}

func putJSON(b *bolt.Bucket, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), raw)
}

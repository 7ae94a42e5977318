package ledger

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	CursorNext = "next"
	CursorPrev = "prev"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is an opaque keyset position: the sort key and id of the last item
// seen, plus the direction of travel.
type Cursor struct {
	CreatedDate time.Time `json:"createdDate"`
	ID          string    `json:"id"`
	Direction   string    `json:"direction"`
}

// CursorPagination carries the encoded tokens for adjacent pages.
type CursorPagination struct {
	Next string `json:"next,omitempty"`
	Prev string `json:"prev,omitempty"`
}

// Before reports whether (createdDate, id) sorts before the cursor key in
// ascending order.
func (c Cursor) Before(createdDate time.Time, id string) bool {
	if !createdDate.Equal(c.CreatedDate) {
		return createdDate.Before(c.CreatedDate)
	}
	return id < c.ID
}

// EncodeCursor encodes a Cursor as a base64 JSON token.
func EncodeCursor(c Cursor) (string, error) {
	if c.ID == "" {
		return "", ErrInvalidCursor
	}
	if c.Direction != CursorNext && c.Direction != CursorPrev {
		return "", fmt.Errorf("%w: direction %q", ErrInvalidCursor, c.Direction)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor decodes and validates a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: decode failed: %w", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: unmarshal failed: %w", ErrInvalidCursor, err)
	}
	if c.ID == "" {
		return Cursor{}, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	if c.Direction != CursorNext && c.Direction != CursorPrev {
		return Cursor{}, fmt.Errorf("%w: direction %q", ErrInvalidCursor, c.Direction)
	}
	return c, nil
}

// CalculateCursor builds the next/prev tokens for a page fetched with
// cursor (nil for the first page).
func CalculateCursor(cursor *Cursor, page *TransactionPage) (CursorPagination, error) {
	var p CursorPagination
	if len(page.Items) == 0 {
		return p, nil
	}
	first, last := page.Items[0], page.Items[len(page.Items)-1]

	hasNext := page.HasMore
	hasPrev := false
	if cursor != nil {
		if cursor.Direction == CursorNext {
			hasPrev = true
		} else {
			hasNext = true
			hasPrev = page.HasMore
		}
	}

	if hasNext {
		tok, err := EncodeCursor(Cursor{CreatedDate: last.CreatedDate, ID: last.ID, Direction: CursorNext})
		if err != nil {
			return CursorPagination{}, err
		}
		p.Next = tok
	}
	if hasPrev {
		tok, err := EncodeCursor(Cursor{CreatedDate: first.CreatedDate, ID: first.ID, Direction: CursorPrev})
		if err != nil {
			return CursorPagination{}, err
		}
		p.Prev = tok
	}
	return p, nil
}

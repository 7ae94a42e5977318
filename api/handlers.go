/*
handlers.go - HTTP API handlers for the value ledger

PURPOSE:
  Exposes the transaction engine via REST. Handles HTTP request/response
  and JSON serialization; all business rules live in the engine.

ENDPOINTS:
  Values:
    POST   /values                          Issue a value
    GET    /values/{id}                     Get a value
    DELETE /values/{id}                     Delete an unreferenced value

  Transactions:
    POST   /transactions/credit             Credit a value
    POST   /transactions/debit              Debit a value
    POST   /transactions/transfer           Move balance into a value
    POST   /transactions/checkout           Pay for line items
    GET    /transactions                    List (cursor paginated)
    GET    /transactions/{id}               Get one transaction
    GET    /transactions/{id}/chain         Every transaction sharing its root
    POST   /transactions/{id}/capture       Capture a pending transaction
    POST   /transactions/{id}/void          Void a pending transaction
    POST   /transactions/{id}/reverse       Reverse a committed transaction
    PATCH  /transactions/{id}               Always 403
    DELETE /transactions/{id}               Always 403

STATUS CODES:
  201: transaction or value created
  200: reads, simulations, and a reverse that already existed
  4xx/5xx: see ledger/errors.go; body is {status, message, messageCode}

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/value-ledger/engine"
	"github.com/warp/value-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	// Store is pinged by /health when set.
	Store Pinger

	log *zap.Logger
}

// NewHandler creates a new handler over the engine.
func NewHandler(e *engine.Engine, store Pinger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: e, Store: store, log: log.Named("api")}
}

// =============================================================================
// VALUE HANDLERS
// =============================================================================

func (h *Handler) CreateValue(w http.ResponseWriter, r *http.Request) {
	var req CreateValueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	v, err := h.Engine.IssueValue(r.Context(), req.toEngine(userID(r)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.GetValue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) DeleteValue(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteValue(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TRANSACTION CREATION
// =============================================================================

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Engine.Credit(r.Context(), engine.CreditRequest{
		Common:        req.commonFields.toEngine(userID(r)),
		Amount:        req.Amount,
		UsesRemaining: req.UsesRemaining,
		Destination:   req.Destination,
	})
	writeResult(w, res, err)
}

func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Engine.Debit(r.Context(), engine.DebitRequest{
		Common:         req.commonFields.toEngine(userID(r)),
		Pending:        req.pendingFields.toEngine(),
		Amount:         req.Amount,
		UsesRemaining:  req.UsesRemaining,
		Source:         req.Source,
		AllowRemainder: req.AllowRemainder,
	})
	writeResult(w, res, err)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Engine.Transfer(r.Context(), engine.TransferRequest{
		Common:         req.commonFields.toEngine(userID(r)),
		Pending:        req.pendingFields.toEngine(),
		Amount:         req.Amount,
		Source:         req.Source,
		Destination:    req.Destination,
		AllowRemainder: req.AllowRemainder,
	})
	writeResult(w, res, err)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Engine.Checkout(r.Context(), engine.CheckoutRequest{
		Common:         req.commonFields.toEngine(userID(r)),
		Pending:        req.pendingFields.toEngine(),
		LineItems:      req.LineItems,
		Sources:        req.Sources,
		AllowRemainder: req.AllowRemainder,
		Tax:            req.Tax,
	})
	writeResult(w, res, err)
}

// =============================================================================
// TRANSACTION READS
// =============================================================================

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := ledger.TransactionQuery{
		TransactionType: ledger.TransactionType(r.URL.Query().Get("transactionType")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, ledger.Errorf(ledger.ErrInvalidRequest, "limit must be a positive integer"))
			return
		}
		q.Limit = limit
	}
	if token := r.URL.Query().Get("cursor"); token != "" {
		c, err := ledger.DecodeCursor(token)
		if err != nil {
			writeError(w, ledger.Errorf(ledger.ErrInvalidRequest, "invalid cursor"))
			return
		}
		q.Cursor = &c
	}

	page, cursors, err := h.Engine.ListTransactions(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, ListResponse[ledger.Transaction]{Items: items, Pagination: cursors})
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Engine.Chain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// =============================================================================
// CHAIN TRANSITIONS
// =============================================================================

func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.Capture)
}

func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.Void)
}

func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.Reverse)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, engine.ChainRequest) (*engine.Result, error)) {
	var req ChainRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := op(r.Context(), engine.ChainRequest{
		ID:        chi.URLParam(r, "id"),
		NewID:     req.ID,
		Simulate:  req.Simulate,
		Metadata:  req.Metadata,
		CreatedBy: userID(r),
	})
	writeResult(w, res, err)
}

// Immutable rejects every attempt to modify or delete a transaction.
func (h *Handler) Immutable(w http.ResponseWriter, r *http.Request) {
	writeError(w, ledger.ErrTransactionImmutable)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// writeResult answers 201 for a newly committed transaction and 200 for a
// simulation or an existing reverse.
func writeResult(w http.ResponseWriter, res *engine.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res.Transaction)
}

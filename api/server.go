/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in the access log
  2. Logger:     zap access log line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for browser clients

ROUTE GROUPS:
  /values/*         Value issuance and lookup
  /transactions/*   Transaction creation, reads and chain transitions
  /health           Liveness, pings the store
  /metrics          Prometheus exposition

SECURITY NOTE:
  No authentication middleware. X-User-ID is trusted as the caller's
  identity and recorded as createdBy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/ledgerd: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures the ambient parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", headerUserID},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/values", func(r chi.Router) {
		r.Post("/", h.CreateValue)
		r.Get("/{id}", h.GetValue)
		r.Delete("/{id}", h.DeleteValue)
	})

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.ListTransactions)
		r.Post("/credit", h.Credit)
		r.Post("/debit", h.Debit)
		r.Post("/transfer", h.Transfer)
		r.Post("/checkout", h.Checkout)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTransaction)
			r.Patch("/", h.Immutable)
			r.Delete("/", h.Immutable)
			r.Get("/chain", h.GetChain)
			r.Post("/capture", h.Capture)
			r.Post("/void", h.Void)
			r.Post("/reverse", h.Reverse)
		})
	})

	return r
}

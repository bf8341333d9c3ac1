/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Structured access log (slog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the wallet frontend
  6. RateLimit:  Per-IP limit, write routes only

ROUTE GROUPS:
  /api/claims, /api/withdrawals   Writes
  /api/me, /api/metrics, ...      Reads
  /healthz                        Liveness

SECURITY NOTE:
  No authentication middleware. Identity is supplied by the caller.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulule/limiter/v3"
)

// RouterOptions tunes the middleware stack. The zero value is usable:
// no rate limit, default CORS origin, discard logger.
type RouterOptions struct {
	Logger      *slog.Logger
	CORSOrigins []string
	// Limiter guards the write routes. Nil disables rate limiting.
	Limiter *limiter.Limiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = h.Logger
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:3000"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Contractor-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Ratelimit-Limit", "X-Ratelimit-Remaining", "X-Ratelimit-Reset"},
		AllowCredentials: true,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrorResponse{Error: "route not found", Code: CodeNotFound})
	})

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/me/liability", h.GetLiability)
		r.Get("/metrics", h.GetMetrics)
		r.Get("/withdrawals", h.ListWithdrawals)
		r.Get("/contractors/{id}/activity", h.GetActivity)

		r.Group(func(r chi.Router) {
			if opts.Limiter != nil {
				r.Use(RateLimit(opts.Limiter, opts.Logger))
			}
			r.Post("/claims", h.SubmitClaim)
			r.Post("/withdrawals", h.SubmitWithdrawal)
			r.Post("/withdrawals/{id}/complete", h.CompleteWithdrawal)
		})
	})

	return r
}

/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap access log (logger.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counter and latency by route pattern
  5. CORS:       Cross-origin requests for the back-office frontend
  6. Actor:      Caller identity for /api (actor.go)

ROUTE GROUPS:
  /api/shifts/*      Shift lifecycle and close
  /api/prices/*      Fuel prices
  /api/stations/*    Station-scoped lookups
  /api/safes/*       Safe ledger
  /api/payroll       Payroll
  /api/registry/*    Nozzles, tanks, workers, loans
  /metrics           Prometheus scrape
  /healthz           Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/logger"
	"github.com/warp/station-ledger/metrics"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	Auth           AuthOptions
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware(opts.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(ActorMiddleware(opts.Auth))

		// Shift routes
		r.Route("/shifts", func(r chi.Router) {
			r.Post("/", h.OpenShift)
			r.Get("/{id}", h.GetShift)
			r.Post("/{id}/assignments", h.Assign)
			r.Post("/{id}/assignments/{assignmentID}/close", h.CloseAssignment)
			r.Post("/{id}/close", h.CloseShift)
		r.Get("/{id}/cheques", h.ShiftCheques)
		})

		// Price routes
		r.Route("/prices", func(r chi.Router) {
			r.Post("/", h.RegisterPrice)
			r.Get("/effective", h.EffectivePrice)
		})

		r.Get("/stations/{id}/safe", h.StationSafe)

		// Safe routes
		r.Route("/safes/{id}", func(r chi.Router) {
			r.Post("/transactions", h.PostTransaction)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/balance", h.GetBalance)
			r.Get("/reconcile", h.Reconcile)
			r.Post("/repair", h.Repair)
			r.Get("/summary", h.Summary)
		})

		r.Get("/payroll", h.Payroll)

		// Registry routes
		r.Route("/registry", func(r chi.Router) {
			r.Post("/nozzles", h.SaveNozzle)
			r.Post("/tanks", h.SaveTank)
			r.Post("/workers", h.SaveWorker)
			r.Post("/loans", h.SaveLoan)
		})
	})

	return r
}

func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTPRequest(r.Method, route, status, time.Since(start))
		})
	}
}

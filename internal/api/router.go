// Package api serves the admin HTTP surface of the coordinator: running
// queries, their plans, finished profiles, workers and load progress.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qcoord/internal/coordinator"
	"qcoord/internal/loadmgr"
	"qcoord/internal/metrics"
	"qcoord/internal/middleware"
	"qcoord/internal/profile"
	"qcoord/internal/worker"
)

// Deps are the components the handlers read from. Loads, Blocklist and
// Metrics may be nil.
type Deps struct {
	Queries   *coordinator.Registry
	Profiles  *profile.Store
	Workers   *worker.Registry
	Blocklist *worker.Blocklist
	Loads     *loadmgr.Tracker
	Metrics   *metrics.Metrics
	// AdminToken guards mutating routes. Empty disables the check.
	AdminToken string
	RateLimit  middleware.RateLimitConfig
	Logger     *slog.Logger
}

// Handler implements the admin routes.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger}
}

// NewRouter builds the admin router.
func NewRouter(deps Deps) http.Handler {
	h := NewHandler(deps)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(h.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.RateLimit.RequestsPerSecond > 0 {
			r.Use(middleware.RateLimiter(deps.RateLimit))
		}
		r.Get("/coordinators", h.ListCoordinators)
		r.Get("/coordinators/{queryID}", h.GetCoordinator)
		r.Get("/coordinators/{queryID}/explain", h.ExplainCoordinator)
		r.With(middleware.RequireToken(deps.AdminToken)).Delete("/coordinators/{queryID}", h.CancelCoordinator)

		r.Get("/profiles", h.ListProfiles)
		r.Get("/profiles/{queryID}", h.GetProfile)
		r.With(middleware.RequireToken(deps.AdminToken)).Delete("/profiles", h.ClearProfiles)

		r.Get("/workers", h.ListWorkers)
		r.Get("/loads", h.ListLoads)
	})
	return r
}

package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/observability"
	"github.com/odyssey-erp/odyssey-retail/internal/reconcile"
	"github.com/odyssey-erp/odyssey-retail/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	ReconcileHandler *reconcile.Handler
	LedgerHandler    *ledger.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(RequestLogger(params.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	confirmRPM, apiRPM := 20, 600
	if params.Config != nil {
		confirmRPM, apiRPM = params.Config.ConfirmRateRPM, params.Config.APIRateRPM
	}

	// Supplier links carry their own authorisation.
	r.Route("/confirm", func(r chi.Router) {
		r.Use(RateLimit(confirmRPM))
		params.ReconcileHandler.MountConfirmRoutes(r)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(apiRPM))
		r.Use(ActorMiddleware)
		params.ReconcileHandler.MountRoutes(r)
		r.Route("/stock", func(r chi.Router) {
			if params.LedgerHandler != nil {
				params.LedgerHandler.MountRoutes(r)
			}
			params.ReconcileHandler.MountStockRoutes(r)
		})
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/upgrade-pipeline/app"
	"github.com/upb/upgrade-pipeline/handlers"
	"github.com/upb/upgrade-pipeline/middleware"
	"github.com/upb/upgrade-pipeline/utils"
)

// RequestTimeout bounds every API request except the event stream
const RequestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	requests := middleware.NewRequestMiddleware(deps.Logger)

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requests.Context)
	r.Use(requests.Logger)
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(deps),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.ActorHeader, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	health := handlers.NewHealthHandler(nil, deps.Logger)
	if deps.DB != nil {
		health = handlers.NewHealthHandler(deps.DB.DB, deps.Logger)
	}
	if deps.NATS != nil {
		health.WithCheck("nats", deps.NATS.Ping)
	}
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	pipelineHandler := handlers.NewPipelineHandler(deps.Pipeline, deps.Logger)
	eventsHandler := handlers.NewEventsHandler(deps.Pipeline, handlers.DefaultHeartbeat, deps.Logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived stream, outside the request timeout
		r.Get("/events", eventsHandler.HandleStream)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(RequestTimeout))

			r.Route("/audits", func(r chi.Router) {
				r.Post("/", pipelineHandler.HandleRunAudit)
				r.Get("/", pipelineHandler.HandleListAudits)
				r.Get("/{id}", pipelineHandler.HandleGetAudit)
			})

			r.Route("/proposals", func(r chi.Router) {
				r.Get("/", pipelineHandler.HandleListProposals)
				r.Get("/{id}", pipelineHandler.HandleGetProposal)
				r.Post("/{id}/approve", pipelineHandler.HandleApprove)
				r.Post("/{id}/reject", pipelineHandler.HandleReject)
				r.Post("/{id}/cancel", pipelineHandler.HandleCancel)
				r.Get("/{id}/execution-log", pipelineHandler.HandleExecutionLog)
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}

func corsOrigins(deps *app.Dependencies) []string {
	if len(deps.Config.Server.CORSOrigins) > 0 {
		return deps.Config.Server.CORSOrigins
	}
	return []string{"http://localhost:*"}
}

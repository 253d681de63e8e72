package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/ai-control-plane/app"
	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/services/idempotency"
	"github.com/upb/ai-control-plane/utils"
)

const requestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if deps.Config.Observability.LogRequests {
		r.Use(middleware.RequestLogger(deps.Logger))
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.IdempotencyKeyHeader, "X-Correlation-ID", middleware.TenantHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", idempotency.ReplayHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// 404 and 405 handlers; set before mounting so subrouters inherit them
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/status", deps.HealthHandler.HandleStatus)

		r.With(deps.AuthMiddleware.ResolveTenant).
			Get("/diagnostics/tenant", deps.HealthHandler.HandleDiagnosticTenant)

		// Assistant endpoints; every request passes the governance plane
		r.Route("/ai", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.IdempotencyMiddleware.Guard)

			r.Post("/chat", deps.InferenceHandler.HandleChat)
			r.Post("/ocr", deps.InferenceHandler.HandleOCR)
			r.Post("/actions/propose", deps.InferenceHandler.HandleProposeAction)
			r.Post("/actions/execute", deps.InferenceHandler.HandleExecuteAction)

			r.Get("/usage", deps.UsageHandler.HandleUsage)
			r.Get("/quota/{usageType}", deps.UsageHandler.HandleQuota)
		})

		// Administration (require admin role)
		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AccessMiddleware.RequireRole(middleware.RoleAdmin, middleware.RolePlatformAdmin))
			r.Use(deps.IdempotencyMiddleware.Guard)

			r.Route("/kill-switches", func(r chi.Router) {
				r.Get("/", deps.KillSwitchHandler.HandleList)
				r.Post("/", deps.KillSwitchHandler.HandleActivate)
				r.Delete("/{scope}", deps.KillSwitchHandler.HandleDeactivate)
				r.Delete("/{scope}/{target}", deps.KillSwitchHandler.HandleDeactivate)
			})

			r.Route("/policies", func(r chi.Router) {
				r.Get("/", deps.PolicyHandler.HandleListRules)
				r.Post("/evaluate", deps.PolicyHandler.HandleEvaluate)
			})

			r.Route("/audit/events", func(r chi.Router) {
				r.Get("/", deps.AuditHandler.HandleList)
				r.Get("/{id}", deps.AuditHandler.HandleGet)
				r.Post("/{id}/incident", deps.AuditHandler.HandleTagIncident)
			})
		})
	})

	return r
}

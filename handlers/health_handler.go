package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/utils"
)

// readinessTimeout bounds all readiness checks together
const readinessTimeout = 5 * time.Second

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Checker is one readiness dependency
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker
type CheckFunc func(ctx context.Context) error

// Check calls f
func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// StatusFunc reports the runtime status of the control plane
type StatusFunc func(ctx context.Context) interface{}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks map[string]Checker
	status StatusFunc
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. checks may be empty; status
// may be nil.
func NewHealthHandler(checks map[string]Checker, status StatusFunc, logger *zap.Logger) *HealthHandler {
	if checks == nil {
		checks = map[string]Checker{}
	}
	return &HealthHandler{
		checks: checks,
		status: status,
		logger: logger,
	}
}

// HandleHealth handles GET /healthz
// Liveness only; always 200 while the process serves requests.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := h.checks[name].Check(ctx); err != nil {
			h.logger.Warn("readiness check failed",
				zap.String("check", name),
				zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// HandleStatus handles GET /api/v1/status
func (h *HealthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		_ = utils.WriteOK(w, map[string]string{"status": "ok"})
		return
	}
	_ = utils.WriteOK(w, h.status(r.Context()))
}

// HandleDiagnosticTenant handles GET /api/v1/diagnostics/tenant. It echoes
// the tenant ResolveTenant found and whether a verified token supplied it.
func (h *HealthHandler) HandleDiagnosticTenant(w http.ResponseWriter, r *http.Request) {
	dt, ok := middleware.GetDiagnosticTenant(r.Context())
	if !ok {
		_ = utils.WriteNotFound(w, "No tenant could be resolved for this request")
		return
	}
	_ = utils.WriteOK(w, dt)
}

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/services/killswitch"
	"github.com/upb/ai-control-plane/utils"
)

// KillSwitchService manages kill switch entries
type KillSwitchService interface {
	Activate(ctx context.Context, req killswitch.ActivateRequest) (*killswitch.Entry, error)
	Deactivate(ctx context.Context, scope killswitch.Scope, targetID, actor string) error
	List(ctx context.Context) ([]killswitch.Entry, error)
}

// ActivateKillSwitchRequest is the body of POST /api/v1/admin/kill-switches
type ActivateKillSwitchRequest struct {
	Scope    string `json:"scope" validate:"required,oneof=global tenant capability"`
	TargetID string `json:"target_id,omitempty" validate:"omitempty,max=255"`
	Reason   string `json:"reason" validate:"required,max=1000"`
}

// KillSwitchHandler exposes kill switch administration. A tenant admin may
// only switch off its own tenant; global and capability switches need the
// platform admin role.
type KillSwitchHandler struct {
	service KillSwitchService
	logger  *zap.Logger
}

// NewKillSwitchHandler creates a new KillSwitchHandler
func NewKillSwitchHandler(service KillSwitchService, logger *zap.Logger) *KillSwitchHandler {
	return &KillSwitchHandler{service: service, logger: logger}
}

// HandleList handles GET /api/v1/admin/kill-switches
func (h *KillSwitchHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	entries, err := h.service.List(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if !claims.HasRole(middleware.RolePlatformAdmin) {
		visible := make([]killswitch.Entry, 0, len(entries))
		for _, e := range entries {
			if e.Scope != killswitch.ScopeTenant || e.TargetID == claims.TenantID {
				visible = append(visible, e)
			}
		}
		entries = visible
	}
	if entries == nil {
		entries = []killswitch.Entry{}
	}
	_ = utils.WriteOK(w, entries)
}

// HandleActivate handles POST /api/v1/admin/kill-switches
func (h *KillSwitchHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	var req ActivateKillSwitchRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	scope, err := killswitch.ParseScope(req.Scope)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if !h.mayManage(r, scope, req.TargetID) {
		_ = utils.WriteForbidden(w, "Insufficient permissions for this kill switch scope")
		return
	}

	entry, err := h.service.Activate(r.Context(), killswitch.ActivateRequest{
		Scope:       scope,
		TargetID:    req.TargetID,
		ActivatedBy: caller.UserID,
		Reason:      req.Reason,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, entry)
}

// HandleDeactivate handles DELETE /api/v1/admin/kill-switches/{scope} and
// DELETE /api/v1/admin/kill-switches/{scope}/{target}
func (h *KillSwitchHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	scope, err := killswitch.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	target := chi.URLParam(r, "target")
	if !h.mayManage(r, scope, target) {
		_ = utils.WriteForbidden(w, "Insufficient permissions for this kill switch scope")
		return
	}

	if err := h.service.Deactivate(r.Context(), scope, target, caller.UserID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

func (h *KillSwitchHandler) mayManage(r *http.Request, scope killswitch.Scope, target string) bool {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		return false
	}
	if claims.HasRole(middleware.RolePlatformAdmin) {
		return true
	}
	allowed := scope == killswitch.ScopeTenant && target == claims.TenantID && claims.HasRole(middleware.RoleAdmin)
	if !allowed {
		h.logger.Warn("kill switch change refused",
			zap.String("tenant_id", claims.TenantID),
			zap.String("user_id", claims.UserID),
			zap.String("scope", string(scope)),
			zap.String("target_id", target))
	}
	return allowed
}

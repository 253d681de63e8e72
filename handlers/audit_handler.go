package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services"
	"github.com/upb/ai-control-plane/utils"
)

const (
	defaultAuditPageSize = 100
	maxAuditPageSize     = 1000
)

// AuditService reads and annotates the audit trail
type AuditService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error)
	List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error)
	TagIncident(ctx context.Context, id uuid.UUID, tag, actor string) (*models.AuditEvent, error)
}

// TagIncidentRequest is the body of POST /api/v1/admin/audit/events/{id}/incident
type TagIncidentRequest struct {
	Tag string `json:"tag" validate:"required,max=100"`
}

// AuditHandler serves the audit trail to administrators. Tenant admins see
// their own tenant only.
type AuditHandler struct {
	service AuditService
	logger  *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(service AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: service, logger: logger}
}

// HandleList handles GET /api/v1/admin/audit/events
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}
	q := r.URL.Query()

	filter := models.AuditFilter{
		TenantID:  claims.TenantID,
		EventType: models.AuditEventType(q.Get("event_type")),
		Limit:     defaultAuditPageSize,
	}
	if t := q.Get("tenant_id"); t != "" && t != claims.TenantID {
		if !claims.HasRole(middleware.RolePlatformAdmin) {
			_ = utils.WriteForbidden(w, "Cannot read another tenant's audit trail")
			return
		}
		filter.TenantID = t
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		_ = utils.WriteBadRequest(w, "from must be an RFC3339 timestamp", nil)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		_ = utils.WriteBadRequest(w, "to must be an RFC3339 timestamp", nil)
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxAuditPageSize {
			_ = utils.WriteBadRequest(w, "limit must be between 1 and 1000", nil)
			return
		}
		filter.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			_ = utils.WriteBadRequest(w, "offset must be a non-negative integer", nil)
			return
		}
		filter.Offset = n
	}

	events, err := h.service.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, events)
}

// HandleGet handles GET /api/v1/admin/audit/events/{id}
func (h *AuditHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	event, ok := h.load(w, r)
	if !ok {
		return
	}
	_ = utils.WriteOK(w, event)
}

// HandleTagIncident handles POST /api/v1/admin/audit/events/{id}/incident
func (h *AuditHandler) HandleTagIncident(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	event, ok := h.load(w, r)
	if !ok {
		return
	}
	var req TagIncidentRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	tagged, err := h.service.TagIncident(r.Context(), event.ID, req.Tag, caller.UserID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, tagged)
}

// load fetches the event named in the path and hides events of other
// tenants behind a 404
func (h *AuditHandler) load(w http.ResponseWriter, r *http.Request) (*models.AuditEvent, bool) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid audit event ID", nil)
		return nil, false
	}

	event, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return nil, false
	}
	if event.TenantID != claims.TenantID && !claims.HasRole(middleware.RolePlatformAdmin) {
		HandleServiceError(w, services.ErrAuditEventNotFound, h.logger)
		return nil, false
	}
	return event, true
}

func parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

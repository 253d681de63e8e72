package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services/policy"
	"github.com/upb/ai-control-plane/utils"
)

// PolicyEvaluator evaluates the registered ruleset
type PolicyEvaluator interface {
	Evaluate(pc policy.Context, types ...models.PolicyRuleType) *policy.PolicyDecision
	Rules() []policy.RuleMeta
	Version() string
}

// EvaluatePolicyRequest is the body of POST /api/v1/admin/policies/evaluate
type EvaluatePolicyRequest struct {
	UserID      string                 `json:"user_id" validate:"omitempty,max=255"`
	TenantID    string                 `json:"tenant_id,omitempty" validate:"omitempty,max=255"`
	Roles       []string               `json:"roles,omitempty" validate:"omitempty,max=50,dive,max=100"`
	Permissions []string               `json:"permissions,omitempty" validate:"omitempty,max=200,dive,max=100"`
	ActionType  string                 `json:"action_type" validate:"required,max=100"`
	Operation   string                 `json:"operation,omitempty" validate:"omitempty,max=100"`
	Resource    policy.Resource        `json:"resource"`
	RiskLevel   models.RiskLevel       `json:"risk_level,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	RuleTypes   []string               `json:"rule_types,omitempty" validate:"omitempty,dive,oneof=rbac compliance risk_threshold rate_limit data_access"`
}

// RulesResponse lists the active ruleset
type RulesResponse struct {
	PolicyVersion string            `json:"policy_version"`
	Rules         []policy.RuleMeta `json:"rules"`
}

// PolicyHandler exposes the policy engine to administrators. Evaluations
// here are dry runs: nothing is audited or counted.
type PolicyHandler struct {
	engine PolicyEvaluator
	logger *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(engine PolicyEvaluator, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleListRules handles GET /api/v1/admin/policies
func (h *PolicyHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, RulesResponse{
		PolicyVersion: h.engine.Version(),
		Rules:         h.engine.Rules(),
	})
}

// HandleEvaluate handles POST /api/v1/admin/policies/evaluate
func (h *PolicyHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}
	var req EvaluatePolicyRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	tenantID := claims.TenantID
	if req.TenantID != "" && req.TenantID != claims.TenantID {
		if !claims.HasRole(middleware.RolePlatformAdmin) {
			_ = utils.WriteForbidden(w, "Cannot evaluate policies for another tenant")
			return
		}
		tenantID = req.TenantID
	}

	types := make([]models.PolicyRuleType, 0, len(req.RuleTypes))
	for _, t := range req.RuleTypes {
		types = append(types, models.PolicyRuleType(t))
	}

	decision := h.engine.Evaluate(policy.Context{
		UserID:      req.UserID,
		TenantID:    tenantID,
		Roles:       req.Roles,
		Permissions: req.Permissions,
		ActionType:  req.ActionType,
		Operation:   req.Operation,
		Resource:    req.Resource,
		RiskLevel:   req.RiskLevel,
		Metadata:    req.Metadata,
	}, types...)

	h.logger.Debug("policy dry run",
		zap.String("tenant_id", tenantID),
		zap.String("action_type", req.ActionType),
		zap.String("decision", string(decision.Decision)),
		zap.Strings("evaluated_rules", decision.EvaluatedRules))

	_ = utils.WriteOK(w, decision)
}

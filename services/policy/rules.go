package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/upb/ai-control-plane/models"
)

type base struct {
	meta RuleMeta
}

func (b base) Meta() RuleMeta { return b.meta }

// FuncRule adapts a function to the Rule interface
type FuncRule struct {
	base
	fn func(pc Context) (*Finding, error)
}

// NewFuncRule creates a rule from fn
func NewFuncRule(meta RuleMeta, fn func(pc Context) (*Finding, error)) *FuncRule {
	return &FuncRule{base: base{meta: meta}, fn: fn}
}

func (r *FuncRule) Evaluate(pc Context) (*Finding, error) {
	return r.fn(pc)
}

// RBACConfig maps roles to permissions and actions to the permissions that
// allow them. Holding any one listed permission, or "*", is enough. An
// action with no entry of its own falls back to the entry for the operation
// carrying it.
type RBACConfig struct {
	RolePermissions   map[string][]string `json:"role_permissions"`
	ActionPermissions map[string][]string `json:"action_permissions"`
	DenyUnlisted      bool                `json:"deny_unlisted"`
}

// RBACRule checks the caller's permissions against the action
type RBACRule struct {
	base
	cfg RBACConfig
}

func (r *RBACRule) Evaluate(pc Context) (*Finding, error) {
	required, listed := r.cfg.ActionPermissions[pc.ActionType]
	if !listed && pc.Operation != "" {
		required, listed = r.cfg.ActionPermissions[pc.Operation]
	}
	if !listed {
		if r.cfg.DenyUnlisted {
			return &Finding{Message: fmt.Sprintf("action %s is not permitted", pc.ActionType), Severity: SeverityError}, nil
		}
		return nil, nil
	}
	if len(required) == 0 {
		return nil, nil
	}

	held := make(map[string]bool, len(pc.Permissions))
	for _, p := range pc.Permissions {
		held[p] = true
	}
	for _, role := range pc.Roles {
		for _, p := range r.cfg.RolePermissions[role] {
			held[p] = true
		}
	}
	if held["*"] {
		return nil, nil
	}
	for _, p := range required {
		if held[p] {
			return nil, nil
		}
	}
	return &Finding{
		Message:  fmt.Sprintf("action %s requires one of: %s", pc.ActionType, strings.Join(required, ", ")),
		Severity: SeverityError,
	}, nil
}

// ComplianceConfig lists actions that need recorded patient consent or an
// SGK reference in the request metadata
type ComplianceConfig struct {
	ConsentRequiredActions   []string `json:"consent_required_actions"`
	ReferenceRequiredActions []string `json:"reference_required_actions"`
	ConsentKey               string   `json:"consent_key"`
	ReferenceKey             string   `json:"reference_key"`
}

// ComplianceRule enforces consent and reimbursement reference requirements
type ComplianceRule struct {
	base
	cfg ComplianceConfig
}

func (r *ComplianceRule) Evaluate(pc Context) (*Finding, error) {
	if contains(r.cfg.ConsentRequiredActions, pc.ActionType) {
		ok, err := metadataBool(pc.Metadata, r.cfg.ConsentKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Finding{Message: fmt.Sprintf("patient consent is required for %s", pc.ActionType), Severity: SeverityCritical}, nil
		}
	}
	if contains(r.cfg.ReferenceRequiredActions, pc.ActionType) {
		if strings.TrimSpace(metadataString(pc.Metadata, r.cfg.ReferenceKey)) == "" {
			return &Finding{Message: fmt.Sprintf("SGK reference is required for %s", pc.ActionType), Severity: SeverityError}, nil
		}
	}
	return nil, nil
}

// RiskThresholdConfig bounds the risk level an action may carry. Empty
// Actions applies the rule to every action.
type RiskThresholdConfig struct {
	MaxRisk models.RiskLevel `json:"max_risk"`
	WarnAt  models.RiskLevel `json:"warn_at"`
	Actions []string         `json:"actions"`
}

// RiskThresholdRule denies above MaxRisk and warns from WarnAt
type RiskThresholdRule struct {
	base
	cfg RiskThresholdConfig
}

func (r *RiskThresholdRule) Evaluate(pc Context) (*Finding, error) {
	if len(r.cfg.Actions) > 0 && !contains(r.cfg.Actions, pc.ActionType) {
		return nil, nil
	}
	risk := pc.RiskLevel
	if risk == "" {
		risk = models.RiskLow
	}
	if !risk.Valid() {
		return nil, fmt.Errorf("unknown risk level %q", pc.RiskLevel)
	}

	if r.cfg.MaxRisk != "" && risk.Rank() > r.cfg.MaxRisk.Rank() {
		return &Finding{
			Message:  fmt.Sprintf("risk level %s exceeds maximum %s", risk, r.cfg.MaxRisk),
			Severity: SeverityError,
		}, nil
	}
	if r.cfg.WarnAt != "" && risk.Rank() >= r.cfg.WarnAt.Rank() {
		return &Finding{Message: fmt.Sprintf("risk level %s", risk), Severity: SeverityWarning}, nil
	}
	return nil, nil
}

// RateLimitConfig caps the per-minute request count reported in metadata
type RateLimitConfig struct {
	MaxRequestsPerMinute int64  `json:"max_requests_per_minute"`
	MetadataKey          string `json:"metadata_key"`
}

// RateLimitRule denies when the caller's recent request rate is too high
type RateLimitRule struct {
	base
	cfg RateLimitConfig
}

func (r *RateLimitRule) Evaluate(pc Context) (*Finding, error) {
	n, ok, err := metadataInt(pc.Metadata, r.cfg.MetadataKey)
	if err != nil {
		return nil, err
	}
	if !ok || n <= r.cfg.MaxRequestsPerMinute {
		return nil, nil
	}
	return &Finding{
		Message:  fmt.Sprintf("request rate %d per minute exceeds %d", n, r.cfg.MaxRequestsPerMinute),
		Severity: SeverityError,
	}, nil
}

// DataAccessConfig restricts resource types to roles
type DataAccessConfig struct {
	RestrictedResources []string `json:"restricted_resources"`
	AllowedRoles        []string `json:"allowed_roles"`
}

// DataAccessRule blocks cross-tenant targets and restricted resources
type DataAccessRule struct {
	base
	cfg DataAccessConfig
}

func (r *DataAccessRule) Evaluate(pc Context) (*Finding, error) {
	if pc.Resource.TenantID != "" && pc.Resource.TenantID != pc.TenantID {
		return &Finding{Message: "resource belongs to another tenant", Severity: SeverityCritical}, nil
	}
	if !contains(r.cfg.RestrictedResources, pc.Resource.Type) {
		return nil, nil
	}
	for _, role := range pc.Roles {
		if contains(r.cfg.AllowedRoles, role) {
			return nil, nil
		}
	}
	return &Finding{
		Message:  fmt.Sprintf("role not permitted to access %s", pc.Resource.Type),
		Severity: SeverityError,
	}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func metadataString(md map[string]interface{}, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func metadataBool(md map[string]interface{}, key string) (bool, error) {
	v, ok := md[key]
	if !ok || v == nil {
		return false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("metadata %s: %w", key, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("metadata %s: unexpected type %T", key, v)
}

func metadataInt(md map[string]interface{}, key string) (int64, bool, error) {
	v, ok := md[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case float64:
		return int64(n), true, nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("metadata %s: %w", key, err)
		}
		return parsed, true, nil
	}
	return 0, false, fmt.Errorf("metadata %s: unexpected type %T", key, v)
}

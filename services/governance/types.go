package governance

import (
	"time"

	"github.com/google/uuid"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services"
	"github.com/upb/ai-control-plane/services/killswitch"
	"github.com/upb/ai-control-plane/services/phase"
	"github.com/upb/ai-control-plane/services/policy"
	"github.com/upb/ai-control-plane/services/usage"
)

// Stage names the check that produced a verdict
type Stage string

const (
	StageKillSwitch Stage = "kill_switch"
	StageEnabled    Stage = "enabled"
	StagePhase      Stage = "phase"
	StageRateLimit  Stage = "rate_limit"
	StagePolicy     Stage = "policy"
	StageQuota      Stage = "quota"
	StageAudit      Stage = "audit"
	StageComplete   Stage = "complete"
)

// Machine-readable verdict codes returned to clients
const (
	CodeAllowed              = "ALLOWED"
	CodeKillSwitchActive     = "KILL_SWITCH_ACTIVE"
	CodeAIDisabled           = "AI_DISABLED"
	CodeExecutionDisabled    = "EXECUTION_DISABLED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeRateLimitUnavailable = "RATE_LIMIT_UNAVAILABLE"
	CodePolicyDenied         = "POLICY_DENIED"
	CodeApprovalRequired     = "APPROVAL_REQUIRED"
	CodeQuotaExceeded        = usage.CodeQuotaExceeded
	CodeQuotaUnavailable     = usage.CodeQuotaUnavailable
	CodeAuditUnavailable     = "AUDIT_UNAVAILABLE"
)

// Request describes one AI request to authorize. TenantID must come from a
// verified source; when empty the tenant bound on the context is used.
type Request struct {
	TenantID      string
	UserID        string
	Roles         []string
	Permissions   []string
	Capability    string
	UsageType     models.UsageType
	Operation     string
	MinimumPhase  phase.Phase
	ActionType    string
	Resource      policy.Resource
	RiskLevel     models.RiskLevel
	Metadata      map[string]interface{}
	RequestID     string
	CorrelationID string
}

func (r *Request) capability() string {
	if r.Capability != "" {
		return r.Capability
	}
	return string(r.UsageType)
}

func (r *Request) operation() string {
	if r.Operation != "" {
		return r.Operation
	}
	return "ai." + string(r.UsageType)
}

// Verdict is the outcome of Authorize. Rejected verdicts carry the payload
// of the check that refused the request.
type Verdict struct {
	Allowed      bool                         `json:"allowed"`
	Stage        Stage                        `json:"stage"`
	Code         string                       `json:"code"`
	Reason       string                       `json:"reason"`
	RetryAfter   time.Duration                `json:"-"`
	KillSwitch   *killswitch.CheckResult      `json:"kill_switch,omitempty"`
	Quota        *usage.QuotaExceededResponse `json:"quota,omitempty"`
	Policy       *policy.PolicyDecision       `json:"-"`
	AuditEventID uuid.UUID                    `json:"audit_event_id"`
}

// Err renders a rejected verdict as a DomainError. It returns nil for an
// allowed verdict. Rule identifiers are never included.
func (v *Verdict) Err() error {
	if v == nil || v.Allowed {
		return nil
	}

	var errType services.ErrorType
	switch v.Code {
	case CodeKillSwitchActive, CodeAIDisabled, CodeRateLimitUnavailable, CodeQuotaUnavailable, CodeAuditUnavailable:
		errType = services.ErrorTypeUnavailable
	case CodeExecutionDisabled:
		errType = services.ErrorTypeExecutionDisabled
	case CodeRateLimited:
		errType = services.ErrorTypeRateLimit
	case CodePolicyDenied:
		errType = services.ErrorTypePolicyViolation
	case CodeApprovalRequired:
		errType = services.ErrorTypeApprovalRequired
	case CodeQuotaExceeded:
		errType = services.ErrorTypeQuotaExceeded
	default:
		errType = services.ErrorTypeForbidden
	}

	err := services.NewDomainError(errType, v.Reason, nil).WithDetail("code", v.Code)
	if v.RetryAfter > 0 {
		err = err.WithRetryAfter(v.RetryAfter)
	}
	if v.Quota != nil {
		err = err.
			WithDetail("usage_type", string(v.Quota.UsageType)).
			WithDetail("current", v.Quota.Current).
			WithDetail("limit", v.Quota.Limit).
			WithDetail("reset_at", v.Quota.ResetAt)
	}
	if v.KillSwitch != nil && v.KillSwitch.Blocked {
		err = err.WithDetail("scope", string(v.KillSwitch.Scope))
	}
	return err
}

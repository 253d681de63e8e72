package policy

import (
	"time"

	"github.com/upb/ai-control-plane/models"
)

// Decision is the overall outcome of an evaluation
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// Severity grades a triggered rule. Only warnings leave the decision at
// Allow.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Resource is the target of an action
type Resource struct {
	Type     string `json:"type,omitempty" validate:"omitempty,max=100"`
	ID       string `json:"id,omitempty" validate:"omitempty,max=255"`
	TenantID string `json:"tenant_id,omitempty" validate:"omitempty,max=255"`
}

// Context is the input of one evaluation. Rules must not modify it.
type Context struct {
	UserID      string                 `json:"user_id"`
	TenantID    string                 `json:"tenant_id"`
	Roles       []string               `json:"roles,omitempty"`
	Permissions []string               `json:"permissions,omitempty"`
	ActionType  string                 `json:"action_type"`
	Operation   string                 `json:"operation,omitempty"`
	Resource    Resource               `json:"resource"`
	RiskLevel   models.RiskLevel       `json:"risk_level,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is one triggered rule
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// PolicyDecision is the result of Engine.Evaluate
type PolicyDecision struct {
	Decision       Decision      `json:"decision"`
	Violations     []Violation   `json:"violations"`
	Warnings       []Violation   `json:"warnings"`
	EvaluatedRules []string      `json:"evaluated_rules"`
	Duration       time.Duration `json:"duration_ns"`
	ApprovalReason string        `json:"approval_reason,omitempty"`
	PolicyVersion  string        `json:"policy_version"`
}

// Allowed reports whether the decision is Allow
func (d *PolicyDecision) Allowed() bool {
	return d.Decision == DecisionAllow
}

// DecidingRule returns the rule id of the first violation, or empty
func (d *PolicyDecision) DecidingRule() string {
	if len(d.Violations) == 0 {
		return ""
	}
	return d.Violations[0].RuleID
}

// RuleMeta identifies a registered rule
type RuleMeta struct {
	ID       string                `json:"rule_id"`
	Version  string                `json:"version"`
	Type     models.PolicyRuleType `json:"rule_type"`
	Priority int                   `json:"priority"`
	Enabled  bool                  `json:"enabled"`
}

// Finding is returned by a rule that triggered
type Finding struct {
	Message  string
	Severity Severity
}

// Rule is a deterministic check over a Context. Evaluate returns nil when
// the rule does not trigger. It must not perform I/O.
type Rule interface {
	Meta() RuleMeta
	Evaluate(pc Context) (*Finding, error)
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SystemTenantID owns audit events that are not scoped to one tenant, such as
// a global kill switch.
const SystemTenantID = "_system"

// AuditEventType classifies an audit event
type AuditEventType string

const (
	AuditEventAIRequest           AuditEventType = "ai_request"
	AuditEventAICompletion        AuditEventType = "ai_completion"
	AuditEventKillSwitchActivated AuditEventType = "kill_switch_activated"
	AuditEventPhaseRejected       AuditEventType = "phase_rejected"
	AuditEventRateLimited         AuditEventType = "rate_limited"
	AuditEventQuotaExceeded       AuditEventType = "quota_exceeded"
	AuditEventPolicyDecision      AuditEventType = "policy_decision"
	AuditEventActionExecuted      AuditEventType = "action_executed"
	AuditEventIncidentTagged      AuditEventType = "incident_tagged"
)

// AuditOutcome is the result recorded with an event
type AuditOutcome string

const (
	AuditOutcomeAllowed          AuditOutcome = "allowed"
	AuditOutcomeDenied           AuditOutcome = "denied"
	AuditOutcomeBlocked          AuditOutcome = "blocked"
	AuditOutcomeApprovalRequired AuditOutcome = "approval_required"
	AuditOutcomeActivated        AuditOutcome = "activated"
	AuditOutcomeDeactivated      AuditOutcome = "deactivated"
	AuditOutcomeFailed           AuditOutcome = "failed"
)

// RiskLevel grades the risk of an AI action
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown levels rank as low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// AuditEvent is an append-only audit trail entry. The only field that may
// change after insert is IncidentTag, and only from empty to set.
type AuditEvent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	UserID        string          `json:"user_id,omitempty" db:"user_id"`
	EventType     AuditEventType  `json:"event_type" db:"event_type"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
	RequestID     string          `json:"request_id,omitempty" db:"request_id"`
	CorrelationID string          `json:"correlation_id,omitempty" db:"correlation_id"`
	RiskLevel     RiskLevel       `json:"risk_level,omitempty" db:"risk_level"`
	Outcome       AuditOutcome    `json:"outcome" db:"outcome"`
	PolicyVersion string          `json:"policy_version,omitempty" db:"policy_version"`
	RuleID        string          `json:"rule_id,omitempty" db:"rule_id"`
	RedactedDiff  json.RawMessage `json:"redacted_diff,omitempty" db:"redacted_diff"`
	Details       json.RawMessage `json:"details,omitempty" db:"details"`
	IncidentTag   *string         `json:"incident_tag,omitempty" db:"incident_tag"`
	TaggedAt      *time.Time      `json:"tagged_at,omitempty" db:"tagged_at"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates a new AuditEvent instance
func NewAuditEvent(tenantID string, eventType AuditEventType, outcome AuditOutcome) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		TenantID:  tenantID,
		EventType: eventType,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
}

// WithUser sets the acting user
func (e *AuditEvent) WithUser(userID string) *AuditEvent {
	e.UserID = userID
	return e
}

// WithRequest sets correlation identifiers
func (e *AuditEvent) WithRequest(requestID, correlationID string) *AuditEvent {
	e.RequestID = requestID
	e.CorrelationID = correlationID
	return e
}

// WithRisk sets the risk level
func (e *AuditEvent) WithRisk(level RiskLevel) *AuditEvent {
	e.RiskLevel = level
	return e
}

// WithPolicy sets the policy version and the rule that decided the outcome
func (e *AuditEvent) WithPolicy(version, ruleID string) *AuditEvent {
	e.PolicyVersion = version
	e.RuleID = ruleID
	return e
}

// WithDiff sets an already-redacted diff
func (e *AuditEvent) WithDiff(diff json.RawMessage) *AuditEvent {
	e.RedactedDiff = diff
	return e
}

// WithDetails sets the details
func (e *AuditEvent) WithDetails(details interface{}) *AuditEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}

// AuditFilter selects audit events for listing
type AuditFilter struct {
	TenantID  string
	EventType AuditEventType
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

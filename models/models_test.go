package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AuditEvent tests
func TestNewAuditEvent(t *testing.T) {
	e := NewAuditEvent("acme", AuditEventKillSwitchActivated, AuditOutcomeActivated)

	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, "acme", e.TenantID)
	assert.Equal(t, AuditEventKillSwitchActivated, e.EventType)
	assert.Equal(t, AuditOutcomeActivated, e.Outcome)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Nil(t, e.IncidentTag)
}

func TestAuditEvent_Builders(t *testing.T) {
	e := NewAuditEvent("acme", AuditEventPolicyDecision, AuditOutcomeDenied).
		WithUser("u-1").
		WithRequest("req-1", "corr-1").
		WithRisk(RiskHigh).
		WithPolicy("v1", "rbac.default").
		WithDiff(json.RawMessage(`{"status":{"from":"a","to":"b"}}`)).
		WithDetails(map[string]string{"action": "invoice.cancel"})

	assert.Equal(t, "u-1", e.UserID)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, RiskHigh, e.RiskLevel)
	assert.Equal(t, "v1", e.PolicyVersion)
	assert.Equal(t, "rbac.default", e.RuleID)
	assert.JSONEq(t, `{"action":"invoice.cancel"}`, string(e.Details))
}

func TestAuditEvent_TableName(t *testing.T) {
	assert.Equal(t, "audit_events", AuditEvent{}.TableName())
}

func TestAuditEvent_JSONOmitsEmptyTag(t *testing.T) {
	data, err := json.Marshal(NewAuditEvent("acme", AuditEventAIRequest, AuditOutcomeAllowed))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "incident_tag")
}

func TestRiskLevel(t *testing.T) {
	assert.Less(t, RiskLow.Rank(), RiskMedium.Rank())
	assert.Less(t, RiskMedium.Rank(), RiskHigh.Rank())
	assert.Less(t, RiskHigh.Rank(), RiskCritical.Rank())
	assert.Equal(t, 0, RiskLevel("bogus").Rank())

	assert.True(t, RiskCritical.Valid())
	assert.False(t, RiskLevel("").Valid())
}

// Usage tests
func TestParseUsageType(t *testing.T) {
	ut, err := ParseUsageType("chat")
	require.NoError(t, err)
	assert.Equal(t, UsageTypeChat, ut)

	_, err = ParseUsageType("image")
	assert.Error(t, err)
}

func TestUsageDay(t *testing.T) {
	loc := time.FixedZone("TRT", 3*3600)
	ts := time.Date(2026, 3, 10, 1, 30, 0, 0, loc) // 2026-03-09 22:30 UTC

	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), UsageDay(ts))
}

func TestUsageRecord_TableName(t *testing.T) {
	assert.Equal(t, "usage_records", UsageRecord{}.TableName())
}

// PolicyRule tests
func TestPolicyRuleType_Valid(t *testing.T) {
	for _, rt := range PolicyRuleTypes {
		assert.True(t, rt.Valid(), rt)
	}
	assert.False(t, PolicyRuleType("budget").Valid())
}

func TestPolicyRule_TableName(t *testing.T) {
	assert.Equal(t, "policy_rules", PolicyRule{}.TableName())
}

package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ai-control-plane/models"
	"go.uber.org/zap"
)

func TestPolicyRuleRepository_ListEnabled(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRuleRepository(db, zap.NewNop())
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_rules WHERE enabled = true ORDER BY priority ASC, rule_id ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "version", "rule_type", "priority", "enabled", "config", "created_at", "updated_at"}).
			AddRow("rbac.default", "1", "rbac", 10, true, []byte(`{"role_permissions":{}}`), now, now).
			AddRow("risk.default", "2", "risk_threshold", 40, true, []byte(`{}`), now, now))

	rules, err := repo.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "rbac.default", rules[0].RuleID)
	assert.Equal(t, models.PolicyRuleRBAC, rules[0].RuleType)
	assert.Equal(t, 10, rules[0].Priority)
	assert.JSONEq(t, `{"role_permissions":{}}`, string(rules[0].Config))
	assert.Equal(t, models.PolicyRuleRiskThreshold, rules[1].RuleType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRuleRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRuleRepository(db, zap.NewNop())

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (rule_id) DO UPDATE SET")).
		WithArgs("compliance.sgk", "3", models.PolicyRuleCompliance, 20, true, `{"consent_required_actions":["invoice.send"]}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &models.PolicyRule{
		RuleID:   "compliance.sgk",
		Version:  "3",
		RuleType: models.PolicyRuleCompliance,
		Priority: 20,
		Enabled:  true,
		Config:   json.RawMessage(`{"consent_required_actions":["invoice.send"]}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRuleRepository_Upsert_DefaultsEmptyConfig(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRuleRepository(db, zap.NewNop())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_rules")).
		WithArgs("rate.default", "1", models.PolicyRuleRateLimit, 30, false, "{}", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &models.PolicyRule{
		RuleID:   "rate.default",
		Version:  "1",
		RuleType: models.PolicyRuleRateLimit,
		Priority: 30,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package models

import (
	"encoding/json"
	"time"
)

// PolicyRuleType is the bucket a rule is registered under
type PolicyRuleType string

const (
	PolicyRuleRBAC          PolicyRuleType = "rbac"
	PolicyRuleCompliance    PolicyRuleType = "compliance"
	PolicyRuleRiskThreshold PolicyRuleType = "risk_threshold"
	PolicyRuleRateLimit     PolicyRuleType = "rate_limit"
	PolicyRuleDataAccess    PolicyRuleType = "data_access"
)

// PolicyRuleTypes lists every rule type in registry order
var PolicyRuleTypes = []PolicyRuleType{
	PolicyRuleRBAC,
	PolicyRuleCompliance,
	PolicyRuleRiskThreshold,
	PolicyRuleRateLimit,
	PolicyRuleDataAccess,
}

// Valid reports whether t is a known rule type
func (t PolicyRuleType) Valid() bool {
	for _, known := range PolicyRuleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PolicyRule is the persisted definition of a built-in rule
type PolicyRule struct {
	RuleID    string          `json:"rule_id" yaml:"rule_id" db:"rule_id"`
	Version   string          `json:"version" yaml:"version" db:"version"`
	RuleType  PolicyRuleType  `json:"rule_type" yaml:"rule_type" db:"rule_type"`
	Priority  int             `json:"priority" yaml:"priority" db:"priority"`
	Enabled   bool            `json:"enabled" yaml:"enabled" db:"enabled"`
	Config    json.RawMessage `json:"config" yaml:"-" db:"config"` // JSONB configuration
	CreatedAt time.Time       `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-" db:"updated_at"`
}

// TableName returns the table name for the PolicyRule model
func (PolicyRule) TableName() string {
	return "policy_rules"
}

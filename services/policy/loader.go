package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
)

// ruleFile is the YAML ruleset layout:
//
//	rules:
//	  - rule_id: rbac-actions
//	    version: "1"
//	    rule_type: rbac
//	    priority: 10
//	    config:
//	      action_permissions:
//	        actions.execute: [ai.execute]
type ruleFile struct {
	Rules []ruleFileEntry `yaml:"rules"`
}

type ruleFileEntry struct {
	RuleID   string                 `yaml:"rule_id"`
	Version  string                 `yaml:"version"`
	RuleType models.PolicyRuleType  `yaml:"rule_type"`
	Priority int                    `yaml:"priority"`
	Enabled  *bool                  `yaml:"enabled"`
	Config   map[string]interface{} `yaml:"config"`
}

// Build constructs a built-in rule from its persisted definition. Unknown
// config keys are rejected.
func Build(def *models.PolicyRule) (Rule, error) {
	if def.RuleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}
	meta := RuleMeta{
		ID:       def.RuleID,
		Version:  def.Version,
		Type:     def.RuleType,
		Priority: def.Priority,
		Enabled:  def.Enabled,
	}
	if meta.Version == "" {
		meta.Version = "1"
	}

	switch def.RuleType {
	case models.PolicyRuleRBAC:
		var cfg RBACConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		return &RBACRule{base: base{meta}, cfg: cfg}, nil

	case models.PolicyRuleCompliance:
		var cfg ComplianceConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		if cfg.ConsentKey == "" {
			cfg.ConsentKey = "patient_consent"
		}
		if cfg.ReferenceKey == "" {
			cfg.ReferenceKey = "sgk_reference"
		}
		return &ComplianceRule{base: base{meta}, cfg: cfg}, nil

	case models.PolicyRuleRiskThreshold:
		var cfg RiskThresholdConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		for _, level := range []models.RiskLevel{cfg.MaxRisk, cfg.WarnAt} {
			if level != "" && !level.Valid() {
				return nil, fmt.Errorf("rule %s: invalid risk level %q", def.RuleID, level)
			}
		}
		return &RiskThresholdRule{base: base{meta}, cfg: cfg}, nil

	case models.PolicyRuleRateLimit:
		var cfg RateLimitConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		if cfg.MaxRequestsPerMinute <= 0 {
			return nil, fmt.Errorf("rule %s: max_requests_per_minute must be positive", def.RuleID)
		}
		if cfg.MetadataKey == "" {
			cfg.MetadataKey = "requests_last_minute"
		}
		return &RateLimitRule{base: base{meta}, cfg: cfg}, nil

	case models.PolicyRuleDataAccess:
		var cfg DataAccessConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		return &DataAccessRule{base: base{meta}, cfg: cfg}, nil
	}

	return nil, fmt.Errorf("rule %s: invalid rule type %q", def.RuleID, def.RuleType)
}

func decodeConfig(def *models.PolicyRule, out interface{}) error {
	raw := bytes.TrimSpace(def.Config)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("rule %s: invalid config: %w", def.RuleID, err)
	}
	return nil
}

// Load builds and registers every definition. Nothing is registered when
// any definition is invalid.
func (e *Engine) Load(defs []*models.PolicyRule) error {
	rules := make([]Rule, 0, len(defs))
	for _, def := range defs {
		r, err := Build(def)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	for _, r := range rules {
		if err := e.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// ParseRules decodes a YAML ruleset. Rules default to enabled.
func ParseRules(data []byte) ([]*models.PolicyRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}

	seen := make(map[string]bool, len(f.Rules))
	defs := make([]*models.PolicyRule, 0, len(f.Rules))
	for i, entry := range f.Rules {
		if entry.RuleID == "" {
			return nil, fmt.Errorf("rule %d: rule_id is required", i)
		}
		if seen[entry.RuleID] {
			return nil, fmt.Errorf("rule %s: duplicate rule_id", entry.RuleID)
		}
		seen[entry.RuleID] = true

		def := &models.PolicyRule{
			RuleID:   entry.RuleID,
			Version:  entry.Version,
			RuleType: entry.RuleType,
			Priority: entry.Priority,
			Enabled:  entry.Enabled == nil || *entry.Enabled,
		}
		if entry.Config != nil {
			raw, err := json.Marshal(entry.Config)
			if err != nil {
				return nil, fmt.Errorf("rule %s: encode config: %w", entry.RuleID, err)
			}
			def.Config = raw
		}
		if _, err := Build(def); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadRulesFile reads a YAML ruleset from path
func LoadRulesFile(path string) ([]*models.PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return ParseRules(data)
}

// LoadFromRepository returns the enabled persisted rules, or the default
// ruleset when none are stored
func LoadFromRepository(ctx context.Context, repo repositories.PolicyRuleRepository) ([]*models.PolicyRule, error) {
	defs, err := repo.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policy rules: %w", err)
	}
	if len(defs) == 0 {
		return DefaultRules(), nil
	}
	return defs, nil
}

// DefaultRules is the ruleset used when nothing is configured
func DefaultRules() []*models.PolicyRule {
	return []*models.PolicyRule{
		{
			RuleID:   "data-access-tenant",
			Version:  "1",
			RuleType: models.PolicyRuleDataAccess,
			Priority: 10,
			Enabled:  true,
			Config:   json.RawMessage(`{"restricted_resources":["patient_records","invoices"],"allowed_roles":["admin","audiologist"]}`),
		},
		{
			RuleID:   "rbac-actions",
			Version:  "1",
			RuleType: models.PolicyRuleRBAC,
			Priority: 20,
			Enabled:  true,
			Config: json.RawMessage(`{"role_permissions":{"admin":["*"],"audiologist":["ai.propose","ai.execute"],"staff":["ai.propose"]},` +
				`"action_permissions":{"actions.propose":["ai.propose"],"actions.execute":["ai.execute"]}}`),
		},
		{
			RuleID:   "compliance-sgk",
			Version:  "1",
			RuleType: models.PolicyRuleCompliance,
			Priority: 30,
			Enabled:  true,
			Config:   json.RawMessage(`{"consent_required_actions":["patient.update","patient.message"],"reference_required_actions":["invoice.create"]}`),
		},
		{
			RuleID:   "risk-threshold",
			Version:  "1",
			RuleType: models.PolicyRuleRiskThreshold,
			Priority: 40,
			Enabled:  true,
			Config:   json.RawMessage(`{"max_risk":"critical","warn_at":"medium"}`),
		},
		{
			RuleID:   "rate-limit-burst",
			Version:  "1",
			RuleType: models.PolicyRuleRateLimit,
			Priority: 50,
			Enabled:  true,
			Config:   json.RawMessage(`{"max_requests_per_minute":120}`),
		},
	}
}

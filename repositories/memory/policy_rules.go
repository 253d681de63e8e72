package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
)

// PolicyRuleRepository stores rule definitions in a map keyed by rule id
type PolicyRuleRepository struct {
	mu    sync.RWMutex
	rules map[string]*models.PolicyRule
}

// NewPolicyRuleRepository creates an empty in-memory policy rule repository
func NewPolicyRuleRepository() *PolicyRuleRepository {
	return &PolicyRuleRepository{rules: make(map[string]*models.PolicyRule)}
}

var _ repositories.PolicyRuleRepository = (*PolicyRuleRepository)(nil)

// ListEnabled retrieves enabled rules ordered by priority and rule id
func (r *PolicyRuleRepository) ListEnabled(ctx context.Context) ([]*models.PolicyRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.PolicyRule
	for _, rule := range r.rules {
		if !rule.Enabled {
			continue
		}
		c := *rule
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

// Upsert creates or replaces a rule definition by rule id
func (r *PolicyRuleRepository) Upsert(ctx context.Context, rule *models.PolicyRule) error {
	c := *rule
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rules[rule.RuleID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.rules[rule.RuleID] = &c
	return nil
}

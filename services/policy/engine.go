package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/models"
)

const evaluationFailedMessage = "rule evaluation failed"

// Engine holds the rule registry, bucketed by type and sorted by priority.
// Evaluation reads a snapshot of the registry; registration is expected at
// startup.
type Engine struct {
	mu      sync.RWMutex
	buckets map[models.PolicyRuleType][]Rule
	byID    map[string]models.PolicyRuleType
	version string
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates an empty engine
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		buckets: make(map[models.PolicyRuleType][]Rule),
		byID:    make(map[string]models.PolicyRuleType),
		version: digest(nil),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds rule, replacing any rule with the same id
func (e *Engine) Register(rule Rule) error {
	meta := rule.Meta()
	if meta.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !meta.Type.Valid() {
		return fmt.Errorf("rule %s: invalid rule type %q", meta.ID, meta.Type)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.byID[meta.ID]; ok {
		e.buckets[prev] = removeRule(e.buckets[prev], meta.ID)
	}
	bucket := append(e.buckets[meta.Type], rule)
	sortRules(bucket)
	e.buckets[meta.Type] = bucket
	e.byID[meta.ID] = meta.Type
	e.version = e.computeVersionLocked()
	return nil
}

// Reset removes every rule
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buckets = make(map[models.PolicyRuleType][]Rule)
	e.byID = make(map[string]models.PolicyRuleType)
	e.version = digest(nil)
}

// Version identifies the registered ruleset
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Rules lists registered rules in evaluation order
func (e *Engine) Rules() []RuleMeta {
	rules := e.selected(nil)
	out := make([]RuleMeta, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Meta())
	}
	return out
}

// Evaluate runs every enabled rule of the given types (all types when none
// are given) in priority order. A rule that errors or panics is recorded
// as a critical violation and evaluation continues.
func (e *Engine) Evaluate(pc Context, types ...models.PolicyRuleType) *PolicyDecision {
	start := e.now()
	rules := e.selected(types)

	decision := &PolicyDecision{
		Violations:     []Violation{},
		Warnings:       []Violation{},
		EvaluatedRules: make([]string, 0, len(rules)),
		PolicyVersion:  e.Version(),
	}

	for _, rule := range rules {
		meta := rule.Meta()
		if !meta.Enabled {
			continue
		}
		decision.EvaluatedRules = append(decision.EvaluatedRules, meta.ID)

		finding, err := e.evaluateRule(rule, pc)
		if err != nil {
			e.logger.Error("Policy rule evaluation failed",
				zap.String("rule_id", meta.ID),
				zap.String("rule_type", string(meta.Type)),
				zap.String("tenant_id", pc.TenantID),
				zap.Error(err))
			decision.Violations = append(decision.Violations, Violation{
				RuleID:   meta.ID,
				Message:  evaluationFailedMessage,
				Severity: SeverityCritical,
			})
			continue
		}
		if finding == nil {
			continue
		}

		v := Violation{RuleID: meta.ID, Message: finding.Message, Severity: finding.Severity}
		if v.Severity == "" {
			v.Severity = SeverityError
		}
		if v.Severity == SeverityWarning {
			decision.Warnings = append(decision.Warnings, v)
		} else {
			decision.Violations = append(decision.Violations, v)
		}
	}

	switch {
	case len(decision.Violations) > 0:
		decision.Decision = DecisionDeny
	case pc.RiskLevel == models.RiskHigh || pc.RiskLevel == models.RiskCritical:
		decision.Decision = DecisionRequireApproval
		decision.ApprovalReason = fmt.Sprintf("risk level %s requires human approval", pc.RiskLevel)
	default:
		decision.Decision = DecisionAllow
	}

	decision.Duration = e.now().Sub(start)
	return decision
}

func (e *Engine) evaluateRule(rule Rule, pc Context) (finding *Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			finding = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Evaluate(pc)
}

// selected returns the rules of the given types merged in evaluation order
func (e *Engine) selected(types []models.PolicyRuleType) []Rule {
	if len(types) == 0 {
		types = models.PolicyRuleTypes
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[models.PolicyRuleType]bool, len(types))
	var out []Rule
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, e.buckets[t]...)
	}
	sortRules(out)
	return out
}

func (e *Engine) computeVersionLocked() string {
	ids := make([]string, 0, len(e.byID))
	for _, bucket := range e.buckets {
		for _, r := range bucket {
			m := r.Meta()
			ids = append(ids, m.ID+"@"+m.Version)
		}
	}
	return digest(ids)
}

func digest(ids []string) string {
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])[:12]
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].Meta(), rules[j].Meta()
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

func removeRule(rules []Rule, id string) []Rule {
	out := rules[:0]
	for _, r := range rules {
		if r.Meta().ID != id {
			out = append(out, r)
		}
	}
	return out
}

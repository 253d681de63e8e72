package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
	"go.uber.org/zap"
)

// PolicyRuleRepository implements the repositories.PolicyRuleRepository interface
type PolicyRuleRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRuleRepository creates a new policy rule repository
func NewPolicyRuleRepository(db *DB, logger *zap.Logger) repositories.PolicyRuleRepository {
	return &PolicyRuleRepository{
		db:     db,
		logger: logger,
	}
}

// ListEnabled retrieves enabled rules ordered by priority and rule id
func (r *PolicyRuleRepository) ListEnabled(ctx context.Context) ([]*models.PolicyRule, error) {
	query := `
		SELECT rule_id, version, rule_type, priority, enabled, config, created_at, updated_at
		FROM policy_rules
		WHERE enabled = true
		ORDER BY priority ASC, rule_id ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.PolicyRule
	for rows.Next() {
		rule := &models.PolicyRule{}
		var config []byte
		err := rows.Scan(
			&rule.RuleID,
			&rule.Version,
			&rule.RuleType,
			&rule.Priority,
			&rule.Enabled,
			&config,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy rule: %w", err)
		}
		rule.Config = config
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rules: %w", err)
	}

	r.logger.Debug("loaded policy rules", zap.Int("count", len(rules)))
	return rules, nil
}

// Upsert creates or replaces a rule definition by rule id
func (r *PolicyRuleRepository) Upsert(ctx context.Context, rule *models.PolicyRule) error {
	query := `
		INSERT INTO policy_rules (rule_id, version, rule_type, priority, enabled, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (rule_id)
		DO UPDATE SET
			version = EXCLUDED.version,
			rule_type = EXCLUDED.rule_type,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at
	`

	config := rule.Config
	if len(config) == 0 {
		config = []byte("{}")
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		rule.RuleID,
		rule.Version,
		rule.RuleType,
		rule.Priority,
		rule.Enabled,
		string(config),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy rule: %w", err)
	}

	r.logger.Info("policy rule upserted",
		zap.String("rule_id", rule.RuleID),
		zap.String("version", rule.Version))
	return nil
}

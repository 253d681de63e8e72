package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services/policy"
)

// ValidationResult is the output of policy validate
type ValidationResult struct {
	File          string            `json:"file"`
	Valid         bool              `json:"valid"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	Rules         []policy.RuleMeta `json:"rules,omitempty"`
}

// NewPolicyCommand creates the policy command group
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Check policy rulesets offline",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyEvalCommand(rootOpts))
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules.yaml>",
		Short: "Parse a YAML ruleset and build every rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := rootOpts.printer(cmd)
			engine, err := loadEngine(args[0], rootOpts.logger(cmd))
			if err != nil {
				_ = p.Failure(err.Error(), ValidationResult{File: args[0]})
				return WrapExitError(ExitFailure, "invalid ruleset", err)
			}

			res := ValidationResult{
				File:          args[0],
				Valid:         true,
				PolicyVersion: engine.Version(),
				Rules:         engine.Rules(),
			}
			return p.Success(res, formatRules(res))
		},
	}
}

type evalFlags struct {
	rulesFile      string
	tenantID       string
	userID         string
	roles          []string
	permissions    []string
	actionType     string
	operation      string
	risk           string
	resourceType   string
	resourceID     string
	resourceTenant string
	metadata       map[string]string
	ruleTypes      []string
}

func newPolicyEvalCommand(rootOpts *RootOptions) *cobra.Command {
	f := &evalFlags{}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate one request against a ruleset",
		Long: `Evaluate one request against a ruleset without touching any store.
Without --rules the built-in default ruleset is used. Exits 1 unless the
decision is allow.`,
		Example: `  govctl policy eval --action patient.update --role staff --tenant clinic-42 \
    --resource-type patient_records --meta patient_consent=true`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyEval(cmd, rootOpts, f)
		},
	}

	cmd.Flags().StringVar(&f.rulesFile, "rules", "", "YAML ruleset (default: built-in rules)")
	cmd.Flags().StringVar(&f.tenantID, "tenant", "tenant", "caller tenant id")
	cmd.Flags().StringVar(&f.userID, "user", "govctl", "caller user id")
	cmd.Flags().StringSliceVar(&f.roles, "role", nil, "caller role (repeatable)")
	cmd.Flags().StringSliceVar(&f.permissions, "permission", nil, "caller permission (repeatable)")
	cmd.Flags().StringVar(&f.actionType, "action", "", "action type (required)")
	cmd.Flags().StringVar(&f.operation, "operation", "", "operation, e.g. actions.execute")
	cmd.Flags().StringVar(&f.risk, "risk", "", "risk level: low, medium, high or critical")
	cmd.Flags().StringVar(&f.resourceType, "resource-type", "", "target resource type")
	cmd.Flags().StringVar(&f.resourceID, "resource-id", "", "target resource id")
	cmd.Flags().StringVar(&f.resourceTenant, "resource-tenant", "", "tenant owning the resource")
	cmd.Flags().StringToStringVar(&f.metadata, "meta", nil, "request metadata key=value")
	cmd.Flags().StringSliceVar(&f.ruleTypes, "rule-type", nil, "evaluate only these rule types")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func runPolicyEval(cmd *cobra.Command, rootOpts *RootOptions, f *evalFlags) error {
	p := rootOpts.printer(cmd)
	logger := rootOpts.logger(cmd)

	risk := models.RiskLevel(strings.ToLower(f.risk))
	if risk != "" && !risk.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --risk %q", f.risk))
	}

	types := make([]models.PolicyRuleType, 0, len(f.ruleTypes))
	for _, t := range f.ruleTypes {
		types = append(types, models.PolicyRuleType(t))
	}

	var (
		engine *policy.Engine
		err    error
	)
	if f.rulesFile != "" {
		engine, err = loadEngine(f.rulesFile, logger)
	} else {
		engine = policy.NewEngine(logger)
		err = engine.Load(policy.DefaultRules())
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load ruleset", err)
	}

	md := make(map[string]interface{}, len(f.metadata))
	for k, v := range f.metadata {
		md[k] = v
	}

	decision := engine.Evaluate(policy.Context{
		UserID:      f.userID,
		TenantID:    f.tenantID,
		Roles:       f.roles,
		Permissions: f.permissions,
		ActionType:  f.actionType,
		Operation:   f.operation,
		Resource: policy.Resource{
			Type:     f.resourceType,
			ID:       f.resourceID,
			TenantID: f.resourceTenant,
		},
		RiskLevel: risk,
		Metadata:  md,
	}, types...)

	if err := p.Success(decision, formatDecision(decision)); err != nil {
		return err
	}
	if !decision.Allowed() {
		return NewExitError(ExitFailure, fmt.Sprintf("decision: %s", decision.Decision))
	}
	return nil
}

func loadEngine(path string, logger *zap.Logger) (*policy.Engine, error) {
	defs, err := policy.LoadRulesFile(path)
	if err != nil {
		return nil, err
	}
	engine := policy.NewEngine(logger)
	if err := engine.Load(defs); err != nil {
		return nil, err
	}
	return engine, nil
}

func formatRules(res ValidationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d rule(s), policy version %s", res.File, len(res.Rules), res.PolicyVersion)
	for _, r := range res.Rules {
		state := ""
		if !r.Enabled {
			state = " (disabled)"
		}
		fmt.Fprintf(&b, "\n  %-24s %-15s priority %d%s", r.ID, r.Type, r.Priority, state)
	}
	return b.String()
}

func formatDecision(d *policy.PolicyDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "decision: %s (policy version %s)", d.Decision, d.PolicyVersion)
	if d.ApprovalReason != "" {
		fmt.Fprintf(&b, "\napproval: %s", d.ApprovalReason)
	}
	for _, v := range d.Violations {
		fmt.Fprintf(&b, "\n  violation [%s] %s: %s", v.Severity, v.RuleID, v.Message)
	}
	for _, w := range d.Warnings {
		fmt.Fprintf(&b, "\n  warning [%s] %s: %s", w.Severity, w.RuleID, w.Message)
	}
	return b.String()
}

// Package governance composes the kill switch, phase gate, rate limiter,
// policy engine and quota handler into the single authorization path every
// AI request goes through.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/internal/tenant"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services"
	"github.com/upb/ai-control-plane/services/killswitch"
	"github.com/upb/ai-control-plane/services/phase"
	"github.com/upb/ai-control-plane/services/policy"
	"github.com/upb/ai-control-plane/services/ratelimit"
	"github.com/upb/ai-control-plane/services/usage"
)

const rateLimitUnavailableRetry = 5 * time.Second

// Recorder writes audit events synchronously
type Recorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// KillSwitch reports whether a request is blocked by an emergency stop
type KillSwitch interface {
	Check(ctx context.Context, tenantID, capability string) killswitch.CheckResult
	RetryAfter() time.Duration
}

// Gate guards operations by the configured phase
type Gate interface {
	RequireEnabled(op string) error
	RequireMinimumPhase(op string, minimum phase.Phase) error
}

// RateLimiter counts requests per tenant
type RateLimiter interface {
	CheckLimit(ctx context.Context, tenantID string) (*ratelimit.RateLimitResult, error)
}

// Evaluator runs the policy rules
type Evaluator interface {
	Evaluate(pc policy.Context, types ...models.PolicyRuleType) *policy.PolicyDecision
}

// Quota consumes per-tenant usage
type Quota interface {
	AcquireOrGracefulFail(ctx context.Context, tenantID string, usageType models.UsageType) (bool, *usage.QuotaExceededResponse)
	Release(ctx context.Context, tenantID string, usageType models.UsageType) error
}

// Plane authorizes AI requests
type Plane struct {
	killSwitch KillSwitch
	gate       Gate
	limiter    RateLimiter
	policies   Evaluator
	quota      Quota
	recorder   Recorder
	logger     *zap.Logger
}

// NewPlane creates a Plane. limiter may be nil to disable rate limiting.
func NewPlane(
	killSwitch KillSwitch,
	gate Gate,
	limiter RateLimiter,
	policies Evaluator,
	quota Quota,
	recorder Recorder,
	logger *zap.Logger,
) *Plane {
	return &Plane{
		killSwitch: killSwitch,
		gate:       gate,
		limiter:    limiter,
		policies:   policies,
		quota:      quota,
		recorder:   recorder,
		logger:     logger,
	}
}

// Authorize runs the checks for one request in order: kill switch, enabled
// flag, phase, rate limit, policy (only when an action is named) and finally
// quota. Quota is the only step with a lasting side effect, so an earlier
// rejection consumes nothing. Every verdict is written to the audit sink
// before it is returned; a failed write turns the verdict into a denial and
// gives back any quota the request took.
//
// The risk of an action never drops below the floor of its action type, and
// a resource with no tenant is taken to belong to the caller's tenant.
//
// The returned error is reserved for caller bugs: a request with no tenant
// yields a *tenant.ContextError and no verdict.
func (p *Plane) Authorize(ctx context.Context, req Request) (*Verdict, error) {
	if req.TenantID == "" {
		id, err := tenant.Require(ctx, "authorize "+req.operation())
		if err != nil {
			return nil, err
		}
		req.TenantID = id
	}
	if req.UsageType == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "usage type is required", nil)
	}
	if req.ActionType != "" {
		req.RiskLevel = policy.EffectiveRisk(req.ActionType, req.RiskLevel)
		if req.Resource.TenantID == "" {
			req.Resource.TenantID = req.TenantID
		}
	}

	logger := p.logger.With(
		zap.String("tenant_id", req.TenantID),
		zap.String("operation", req.operation()),
		zap.String("request_id", req.RequestID))

	// Step 1: kill switch
	logger.Debug("step 1: checking kill switch")
	if ks := p.killSwitch.Check(ctx, req.TenantID, req.capability()); ks.Blocked {
		v := &Verdict{
			Stage:      StageKillSwitch,
			Code:       CodeKillSwitchActive,
			Reason:     ks.Reason,
			RetryAfter: p.killSwitch.RetryAfter(),
			KillSwitch: &ks,
		}
		return p.reject(ctx, logger, req, v, models.AuditEventAIRequest, models.AuditOutcomeBlocked, map[string]interface{}{
			"scope":     string(ks.Scope),
			"target_id": ks.TargetID,
		}), nil
	}

	// Step 2: enabled flag, then phase
	logger.Debug("step 2: checking phase")
	if err := p.gate.RequireEnabled(req.operation()); err != nil {
		v := &Verdict{Stage: StageEnabled, Code: CodeAIDisabled, Reason: "AI features are disabled"}
		return p.reject(ctx, logger, req, v, models.AuditEventPhaseRejected, models.AuditOutcomeBlocked, nil), nil
	}
	if err := p.gate.RequireMinimumPhase(req.operation(), req.MinimumPhase); err != nil {
		v := &Verdict{Stage: StagePhase, Code: CodeExecutionDisabled, Reason: domainMessage(err)}
		return p.reject(ctx, logger, req, v, models.AuditEventPhaseRejected, models.AuditOutcomeDenied, services.GetErrorDetails(err)), nil
	}

	// Step 3: rate limit
	var requestsLastMinute int64
	if p.limiter != nil {
		logger.Debug("step 3: checking rate limit")
		result, err := p.limiter.CheckLimit(ctx, req.TenantID)
		if err != nil {
			logger.Error("Rate limiter unavailable, denying", zap.Error(err))
			v := &Verdict{
				Stage:      StageRateLimit,
				Code:       CodeRateLimitUnavailable,
				Reason:     "rate limiting is temporarily unavailable",
				RetryAfter: rateLimitUnavailableRetry,
			}
			return p.reject(ctx, logger, req, v, models.AuditEventRateLimited, models.AuditOutcomeFailed, nil), nil
		}
		if !result.Allowed {
			v := &Verdict{
				Stage:      StageRateLimit,
				Code:       CodeRateLimited,
				Reason:     result.ViolationReason,
				RetryAfter: result.RetryAfter,
			}
			return p.reject(ctx, logger, req, v, models.AuditEventRateLimited, models.AuditOutcomeDenied, map[string]interface{}{
				"window": string(result.ViolatedWindow),
				"limit":  result.Limit,
			}), nil
		}
		requestsLastMinute = result.RequestsLastMinute
	}

	// Step 4: policy
	var decision *policy.PolicyDecision
	if req.ActionType != "" {
		logger.Debug("step 4: evaluating policies", zap.String("action_type", req.ActionType))
		decision = p.policies.Evaluate(policyContext(req, requestsLastMinute))

		switch decision.Decision {
		case policy.DecisionDeny:
			v := &Verdict{Stage: StagePolicy, Code: CodePolicyDenied, Reason: "request denied by policy", Policy: decision}
			return p.reject(ctx, logger, req, v, models.AuditEventPolicyDecision, models.AuditOutcomeDenied, policyDetails(decision)), nil
		case policy.DecisionRequireApproval:
			v := &Verdict{Stage: StagePolicy, Code: CodeApprovalRequired, Reason: decision.ApprovalReason, Policy: decision}
			return p.reject(ctx, logger, req, v, models.AuditEventPolicyDecision, models.AuditOutcomeApprovalRequired, policyDetails(decision)), nil
		}
	}

	// Step 5: quota
	logger.Debug("step 5: acquiring quota")
	if ok, exceeded := p.quota.AcquireOrGracefulFail(ctx, req.TenantID, req.UsageType); !ok {
		v := &Verdict{
			Stage:      StageQuota,
			Code:       exceeded.Code,
			Reason:     exceeded.Message,
			RetryAfter: exceeded.RetryAfterDuration(),
			Quota:      exceeded,
			Policy:     decision,
		}
		return p.reject(ctx, logger, req, v, models.AuditEventQuotaExceeded, models.AuditOutcomeDenied, map[string]interface{}{
			"code":    exceeded.Code,
			"current": exceeded.Current,
			"limit":   exceeded.Limit,
		}), nil
	}

	v := &Verdict{Allowed: true, Stage: StageComplete, Code: CodeAllowed, Policy: decision}
	event := p.event(req, v, models.AuditEventAIRequest, models.AuditOutcomeAllowed, nil)
	if err := p.recorder.Record(ctx, event); err != nil {
		logger.Error("Audit write failed for admitted request, denying", zap.Error(err))
		if err := p.quota.Release(ctx, req.TenantID, req.UsageType); err != nil {
			logger.Error("Failed to release quota of denied request", zap.Error(err))
		}
		return auditUnavailable(decision), nil
	}
	v.AuditEventID = event.ID

	logger.Info("AI request authorized", zap.String("audit_event_id", event.ID.String()))
	return v, nil
}

// reject records v and returns it, or the audit failure verdict when the
// write fails
func (p *Plane) reject(ctx context.Context, logger *zap.Logger, req Request, v *Verdict, eventType models.AuditEventType, outcome models.AuditOutcome, details map[string]interface{}) *Verdict {
	logger.Warn("AI request rejected",
		zap.String("stage", string(v.Stage)),
		zap.String("code", v.Code),
		zap.String("reason", v.Reason))

	event := p.event(req, v, eventType, outcome, details)
	if err := p.recorder.Record(ctx, event); err != nil {
		logger.Error("Audit write failed for rejected request", zap.Error(err))
		return auditUnavailable(v.Policy)
	}
	v.AuditEventID = event.ID
	return v
}

func (p *Plane) event(req Request, v *Verdict, eventType models.AuditEventType, outcome models.AuditOutcome, details map[string]interface{}) *models.AuditEvent {
	merged := map[string]interface{}{
		"stage":      string(v.Stage),
		"code":       v.Code,
		"operation":  req.operation(),
		"capability": req.capability(),
		"usage_type": string(req.UsageType),
	}
	if v.Reason != "" {
		merged["reason"] = v.Reason
	}
	if req.ActionType != "" {
		merged["action_type"] = req.ActionType
	}
	for k, val := range details {
		merged[k] = val
	}

	event := models.NewAuditEvent(req.TenantID, eventType, outcome).
		WithUser(req.UserID).
		WithRequest(req.RequestID, req.CorrelationID).
		WithDetails(merged)
	if req.RiskLevel != "" {
		event.WithRisk(req.RiskLevel)
	}
	if v.Policy != nil {
		event.WithPolicy(v.Policy.PolicyVersion, v.Policy.DecidingRule())
	}
	return event
}

func auditUnavailable(decision *policy.PolicyDecision) *Verdict {
	return &Verdict{
		Stage:      StageAudit,
		Code:       CodeAuditUnavailable,
		Reason:     "audit trail unavailable",
		RetryAfter: rateLimitUnavailableRetry,
		Policy:     decision,
	}
}

// policyContext builds the evaluation input. Metadata keys the server
// measures itself overwrite anything the caller sent under the same name.
func policyContext(req Request, requestsLastMinute int64) policy.Context {
	metadata := make(map[string]interface{}, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["requests_last_minute"] = requestsLastMinute

	return policy.Context{
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		Roles:       req.Roles,
		Permissions: req.Permissions,
		ActionType:  req.ActionType,
		Operation:   req.operation(),
		Resource:    req.Resource,
		RiskLevel:   req.RiskLevel,
		Metadata:    metadata,
	}
}

func policyDetails(d *policy.PolicyDecision) map[string]interface{} {
	violations := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		violations = append(violations, fmt.Sprintf("%s: %s", v.RuleID, v.Message))
	}
	details := map[string]interface{}{
		"decision":        string(d.Decision),
		"violations":      violations,
		"evaluated_rules": d.EvaluatedRules,
	}
	if d.ApprovalReason != "" {
		details["approval_reason"] = d.ApprovalReason
	}
	return details
}

func domainMessage(err error) string {
	var de *services.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

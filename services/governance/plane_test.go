package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/internal/tenant"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories/memory"
	"github.com/upb/ai-control-plane/services"
	"github.com/upb/ai-control-plane/services/audit"
	"github.com/upb/ai-control-plane/services/killswitch"
	"github.com/upb/ai-control-plane/services/phase"
	"github.com/upb/ai-control-plane/services/policy"
	"github.com/upb/ai-control-plane/services/ratelimit"
	"github.com/upb/ai-control-plane/services/usage"
)

type fixture struct {
	plane      *Plane
	sink       *audit.Sink
	killSwitch *killswitch.Service
	gate       *phase.Gate
	tracker    *usage.Tracker
	limits     *usage.Limits
}

type fixtureOptions struct {
	phase      phase.Phase
	disabled   bool
	perMinute  int
	chatQuota  int64
	recorder   Recorder
	noLimiting bool
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	logger := zap.NewNop()

	sink := audit.NewSink(memory.NewAuditRepository(), memory.NewTransactionManager(), nil, logger, audit.DefaultConfig())
	ks := killswitch.NewService(killswitch.NewMemoryStore(), sink, logger, time.Minute)
	gate := phase.NewGate(opts.phase, !opts.disabled)

	engine := policy.NewEngine(logger)
	require.NoError(t, engine.Load(policy.DefaultRules()))

	var limiter RateLimiter
	if !opts.noLimiting {
		limiter = ratelimit.NewRateLimitService(ratelimit.NewMemoryCounter(), ratelimit.Config{
			RequestsPerMinute: opts.perMinute,
			RequestsPerDay:    0,
		}, logger)
	}

	defaults := map[models.UsageType]int64{}
	if opts.chatQuota > 0 {
		defaults[models.UsageTypeChat] = opts.chatQuota
	}
	tracker := usage.NewTracker(memory.NewUsageRepository(), logger)
	limits := usage.NewLimits(defaults)
	quota := usage.NewQuotaHandler(tracker, limits, logger)

	var recorder Recorder = sink
	if opts.recorder != nil {
		recorder = opts.recorder
	}

	return &fixture{
		plane:      NewPlane(ks, gate, limiter, engine, quota, recorder, logger),
		sink:       sink,
		killSwitch: ks,
		gate:       gate,
		tracker:    tracker,
		limits:     limits,
	}
}

func (f *fixture) requests(t *testing.T, tenantID string, usageType models.UsageType) int64 {
	t.Helper()
	rec, err := f.tracker.Current(context.Background(), tenantID, usageType)
	require.NoError(t, err)
	return rec.RequestCount
}

func chatRequest(tenantID string) Request {
	return Request{
		TenantID:     tenantID,
		UserID:       "u1",
		Roles:        []string{"staff"},
		UsageType:    models.UsageTypeChat,
		MinimumPhase: phase.ReadOnly,
		RequestID:    "req-1",
	}
}

func TestAuthorize_AllowsAndRecords(t *testing.T) {
	f := newFixture(t, fixtureOptions{phase: phase.ReadOnly})
	ctx := context.Background()

	v, err := f.plane.Authorize(ctx, chatRequest("acme"))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, CodeAllowed, v.Code)
	assert.NoError(t, v.Err())
	assert.Equal(t, int64(1), f.requests(t, "acme", models.UsageTypeChat))

	event, err := f.sink.Get(ctx, v.AuditEventID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditEventAIRequest, event.EventType)
	assert.Equal(t, models.AuditOutcomeAllowed, event.Outcome)
	assert.Equal(t, "u1", event.UserID)
	assert.Equal(t, "req-1", event.RequestID)
}

func TestAuthorize_GlobalKillSwitchScenario(t *testing.T) {
	f := newFixture(t, fixtureOptions{phase: phase.Execution})
	ctx := context.Background()

	_, err := f.killSwitch.Activate(ctx, killswitch.ActivateRequest{
		Scope:       killswitch.ScopeGlobal,
		ActivatedBy: "ops",
		Reason:      "maintenance",
	})
	require.NoError(t, err)
	// a tenant switch does not change which scope is reported
	_, err = f.killSwitch.Activate(ctx, killswitch.ActivateRequest{
		Scope:       killswitch.ScopeTenant,
		TargetID:    "acme",
		ActivatedBy: "ops",
		Reason:      "tenant review",
	})
	require.NoError(t, err)

	v, err := f.plane.Authorize(ctx, chatRequest("acme"))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, StageKillSwitch, v.Stage)
	assert.Equal(t, CodeKillSwitchActive, v.Code)
	assert.Equal(t, "maintenance", v.Reason)
	require.NotNil(t, v.KillSwitch)
	assert.Equal(t, killswitch.ScopeGlobal, v.KillSwitch.Scope)
	assert.Equal(t, time.Minute, v.RetryAfter)
	assert.Equal(t, int64(0), f.requests(t, "acme", models.UsageTypeChat))

	assert.True(t, services.IsUnavailableError(v.Err()))
	retry, ok := services.GetRetryAfter(v.Err())
	require.True(t, ok)
	assert.Equal(t, time.Minute, retry)

	event, err := f.sink.Get(ctx, v.AuditEventID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditOutcomeBlocked, event.Outcome)

	require.NoError(t, f.killSwitch.Deactivate(ctx, killswitch.ScopeGlobal, "", "ops"))
	require.NoError(t, f.killSwitch.Deactivate(ctx, killswitch.ScopeTenant, "acme", "ops"))

	v, err = f.plane.Authorize(ctx, chatRequest("acme"))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestAuthorize_TenantKillSwitchOnlyBlocksThatTenant(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.killSwitch.Activate(ctx, killswitch.ActivateRequest{
		Scope:       killswitch.ScopeTenant,
		TargetID:    "acme",
		ActivatedBy: "ops",
		Reason:      "abuse",
	})
	require.NoError(t, err)

	v, err := f.plane.Authorize(ctx, chatRequest("acme"))
	require.NoError(t, err)
	assert.Equal(t, CodeKillSwitchActive, v.Code)

	v, err = f.plane.Authorize(ctx, chatRequest("globex"))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestAuthorize_PhaseAndEnabled(t *testing.T) {
	t.Run("phase too low", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{phase: phase.ReadOnly})
		req := chatRequest("acme")
		req.UsageType = models.UsageTypeAction
		req.Operation = "actions.execute"
		req.MinimumPhase = phase.Execution

		v, err := f.plane.Authorize(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, StagePhase, v.Stage)
		assert.Equal(t, CodeExecutionDisabled, v.Code)
		assert.Contains(t, v.Reason, "requires phase execution, current phase is read_only")
		assert.True(t, services.IsExecutionDisabledError(v.Err()))
		assert.Equal(t, int64(0), f.requests(t, "acme", models.UsageTypeAction))
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{phase: phase.Execution, disabled: true})

		v, err := f.plane.Authorize(context.Background(), chatRequest("acme"))
		require.NoError(t, err)
		assert.Equal(t, StageEnabled, v.Stage)
		assert.Equal(t, CodeAIDisabled, v.Code)
		assert.True(t, services.IsUnavailableError(v.Err()))
	})
}

func TestAuthorize_RateLimited(t *testing.T) {
	f := newFixture(t, fixtureOptions{perMinute: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := f.plane.Authorize(ctx, chatRequest("acme"))
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}

	v, err := f.plane.Authorize(ctx, chatRequest("acme"))
	require.NoError(t, err)
	assert.Equal(t, StageRateLimit, v.Stage)
	assert.Equal(t, CodeRateLimited, v.Code)
	assert.Greater(t, v.RetryAfter, time.Duration(0))
	assert.True(t, services.IsRateLimitError(v.Err()))
	assert.Equal(t, int64(2), f.requests(t, "acme", models.UsageTypeChat))
}

func TestAuthorize_PolicyDenyHidesRuleIdentifiers(t *testing.T) {
	f := newFixture(t, fixtureOptions{phase: phase.Execution})
	ctx := context.Background()

	req := chatRequest("acme")
	req.UsageType = models.UsageTypeAction
	req.Operation = "actions.execute"
	req.ActionType = "actions.execute"
	req.MinimumPhase = phase.Execution

	v, err := f.plane.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StagePolicy, v.Stage)
	assert.Equal(t, CodePolicyDenied, v.Code)
	require.NotNil(t, v.Policy)
	assert.Equal(t, policy.DecisionDeny, v.Policy.Decision)
	assert.True(t, services.IsPolicyViolationError(v.Err()))
	assert.NotContains(t, v.Err().Error(), "rbac-actions")
	assert.Equal(t, int64(0), f.requests(t, "acme", models.UsageTypeAction))

	event, err := f.sink.Get(ctx, v.AuditEventID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditEventPolicyDecision, event.EventType)
	assert.Equal(t, "rbac-actions", event.RuleID)
	assert.NotEmpty(t, event.PolicyVersion)
}

func TestAuthorize_HighRiskRequiresApproval(t *testing.T) {
	f := newFixture(t, fixtureOptions{phase: phase.Execution})

	req := chatRequest("acme")
	req.Roles = []string{"audiologist"}
	req.UsageType = models.UsageTypeAction
	req.ActionType = "actions.execute"
	req.MinimumPhase = phase.Execution
	req.RiskLevel = models.RiskHigh

	v, err := f.plane.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, CodeApprovalRequired, v.Code)
	assert.Contains(t, v.Reason, "requires human approval")
	assert.True(t, services.IsApprovalRequiredError(v.Err()))

	req.RiskLevel = models.RiskLow
	v, err = f.plane.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, policy.DecisionAllow, v.Policy.Decision)
}

func TestAuthorize_DeclaredRiskCannotLowerActionFloor(t *testing.T) {
	f := newFixture(t, fixtureOptions{phase: phase.Execution})
	ctx := context.Background()

	req := chatRequest("acme")
	req.Roles = []string{"audiologist"}
	req.UsageType = models.UsageTypeAction
	req.ActionType = "patient.delete"
	req.MinimumPhase = phase.Execution
	req.RiskLevel = models.RiskLow

	v, err := f.plane.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CodeApprovalRequired, v.Code)

	event, err := f.sink.Get(ctx, v.AuditEventID)
	require.NoError(t, err)
	assert.Equal(t, models.RiskCritical, event.RiskLevel)
}

type capturingEvaluator struct {
	got []policy.Context
}

func (c *capturingEvaluator) Evaluate(pc policy.Context, types ...models.PolicyRuleType) *policy.PolicyDecision {
	c.got = append(c.got, pc)
	return &policy.PolicyDecision{Decision: policy.DecisionAllow}
}

func TestAuthorize_PolicyContextUsesServerValues(t *testing.T) {
	f := newFixture(t, fixtureOptions{phase: phase.Execution, noLimiting: true})
	eval := &capturingEvaluator{}
	quota := usage.NewQuotaHandler(f.tracker, f.limits, zap.NewNop())
	plane := NewPlane(f.killSwitch, f.gate, nil, eval, quota, f.sink, zap.NewNop())

	req := chatRequest("acme")
	req.UsageType = models.UsageTypeAction
	req.ActionType = "sale.refund"
	req.MinimumPhase = phase.Execution
	req.Resource = policy.Resource{Type: "sale", ID: "s-1"}
	req.Metadata = map[string]interface{}{"requests_last_minute": 9999, "sgk_reference": "R-1"}

	v, err := plane.Authorize(context.Background(), req)
	require.NoError(t, err)
	require.True(t, v.Allowed)

	require.Len(t, eval.got, 1)
	pc := eval.got[0]
	assert.Equal(t, "acme", pc.Resource.TenantID)
	assert.Equal(t, models.RiskHigh, pc.RiskLevel)
	assert.Equal(t, int64(0), pc.Metadata["requests_last_minute"])
	assert.Equal(t, "R-1", pc.Metadata["sgk_reference"])
}

func TestAuthorize_QuotaExceeded(t *testing.T) {
	f := newFixture(t, fixtureOptions{chatQuota: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := f.plane.Authorize(ctx, chatRequest("acme"))
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}

	v, err := f.plane.Authorize(ctx, chatRequest("acme"))
	require.NoError(t, err)
	assert.Equal(t, StageQuota, v.Stage)
	assert.Equal(t, CodeQuotaExceeded, v.Code)
	require.NotNil(t, v.Quota)
	assert.Equal(t, int64(2), v.Quota.Current)
	assert.Equal(t, int64(2), v.Quota.Limit)
	assert.True(t, services.IsQuotaExceededError(v.Err()))
	_, ok := services.GetRetryAfter(v.Err())
	assert.True(t, ok)

	event, err := f.sink.Get(ctx, v.AuditEventID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditEventQuotaExceeded, event.EventType)
}

type failingRecorder struct{}

func (failingRecorder) Record(ctx context.Context, event *models.AuditEvent) error {
	return errors.New("audit db down")
}

func TestAuthorize_AuditFailureDenies(t *testing.T) {
	f := newFixture(t, fixtureOptions{recorder: failingRecorder{}})

	v, err := f.plane.Authorize(context.Background(), chatRequest("acme"))
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, StageAudit, v.Stage)
	assert.Equal(t, CodeAuditUnavailable, v.Code)
	assert.True(t, services.IsUnavailableError(v.Err()))

	f.gate.Reset(phase.ReadOnly, false)
	v, err = f.plane.Authorize(context.Background(), chatRequest("acme"))
	require.NoError(t, err)
	assert.Equal(t, CodeAuditUnavailable, v.Code)
}

func TestAuthorize_AuditFailureLeavesQuotaUntouched(t *testing.T) {
	f := newFixture(t, fixtureOptions{chatQuota: 10, recorder: failingRecorder{}})
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		v, err := f.plane.Authorize(ctx, chatRequest("acme"))
		require.NoError(t, err)
		require.Equal(t, CodeAuditUnavailable, v.Code)
	}
	assert.Equal(t, int64(0), f.requests(t, "acme", models.UsageTypeChat))
}

func TestAuthorize_TenantFromContext(t *testing.T) {
	f := newFixture(t, fixtureOptions{noLimiting: true})
	req := chatRequest("")

	_, err := f.plane.Authorize(context.Background(), req)
	var ctxErr *tenant.ContextError
	require.ErrorAs(t, err, &ctxErr)

	h := tenant.NewHolder()
	ctx := tenant.WithHolder(context.Background(), h)
	err = tenant.RunInScope(h, "acme", func() error {
		v, err := f.plane.Authorize(ctx, req)
		if err != nil {
			return err
		}
		assert.True(t, v.Allowed)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.requests(t, "acme", models.UsageTypeChat))
}

func TestAuthorize_RequiresUsageType(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	req := chatRequest("acme")
	req.UsageType = ""

	_, err := f.plane.Authorize(context.Background(), req)
	assert.True(t, services.IsValidationError(err))
}

package killswitch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services"
)

// Recorder writes audit events synchronously
type Recorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// ActivateRequest describes an administrative activation
type ActivateRequest struct {
	Scope       Scope
	TargetID    string
	ActivatedBy string
	Reason      string
}

// Service manages kill switch entries. Every state change is audited.
type Service struct {
	store      Store
	recorder   Recorder
	logger     *zap.Logger
	retryAfter time.Duration
	now        func() time.Time
}

// NewService creates a kill switch service. retryAfter is the hint returned
// to clients whose request was blocked.
func NewService(store Store, recorder Recorder, logger *zap.Logger, retryAfter time.Duration) *Service {
	if retryAfter <= 0 {
		retryAfter = 5 * time.Minute
	}
	return &Service{
		store:      store,
		recorder:   recorder,
		logger:     logger,
		retryAfter: retryAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RetryAfter is the client hint for blocked requests
func (s *Service) RetryAfter() time.Duration {
	return s.retryAfter
}

// Activate turns on a kill switch. The entry stays active if the audit
// write fails; the error is still returned.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*Entry, error) {
	targetID, err := validateTarget(req.Scope, req.TargetID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ActivatedBy) == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "activated_by is required", nil)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "reason is required", nil)
	}

	entry := Entry{
		Scope:       req.Scope,
		TargetID:    targetID,
		ActivatedBy: req.ActivatedBy,
		Reason:      req.Reason,
		ActivatedAt: s.now(),
	}
	if err := s.store.Put(ctx, entry); err != nil {
		s.logger.Error("Failed to activate kill switch",
			zap.String("scope", string(entry.Scope)),
			zap.String("target_id", entry.TargetID),
			zap.Error(err))
		return nil, services.WrapInternal("failed to activate kill switch", err)
	}

	s.logger.Info("Kill switch activated",
		zap.String("scope", string(entry.Scope)),
		zap.String("target_id", entry.TargetID),
		zap.String("activated_by", entry.ActivatedBy),
		zap.String("reason", entry.Reason))

	if err := s.audit(ctx, entry.Scope, entry.TargetID, req.ActivatedBy, models.AuditOutcomeActivated, entry.Reason); err != nil {
		return &entry, err
	}
	return &entry, nil
}

// Deactivate clears a kill switch and then records the change. When the
// audit write fails the entry is put back, so the trail and the stored
// state never disagree.
func (s *Service) Deactivate(ctx context.Context, scope Scope, targetID, actor string) error {
	targetID, err := validateTarget(scope, targetID)
	if err != nil {
		return err
	}

	existing, err := s.store.Get(ctx, scope, targetID)
	if err != nil {
		return services.WrapInternal("failed to load kill switch", err)
	}
	if existing == nil {
		return services.ErrKillSwitchNotFound
	}

	deleted, err := s.store.Delete(ctx, scope, targetID)
	if err != nil {
		s.logger.Error("Failed to deactivate kill switch",
			zap.String("scope", string(scope)),
			zap.String("target_id", targetID),
			zap.Error(err))
		return services.WrapInternal("failed to deactivate kill switch", err)
	}
	if !deleted {
		return services.ErrKillSwitchNotFound
	}

	if err := s.audit(ctx, scope, targetID, actor, models.AuditOutcomeDeactivated, existing.Reason); err != nil {
		if putErr := s.store.Put(ctx, *existing); putErr != nil {
			s.logger.Error("Failed to restore kill switch after audit failure",
				zap.String("scope", string(scope)),
				zap.String("target_id", targetID),
				zap.Error(putErr))
		}
		return err
	}

	s.logger.Info("Kill switch deactivated",
		zap.String("scope", string(scope)),
		zap.String("target_id", targetID),
		zap.String("deactivated_by", actor))
	return nil
}

// Check reports whether a request for tenantID and capability is blocked.
// A store failure is treated as blocked.
func (s *Service) Check(ctx context.Context, tenantID, capability string) CheckResult {
	res, err := s.store.Check(ctx, tenantID, capability)
	if err != nil {
		s.logger.Error("Kill switch check failed, blocking request",
			zap.String("tenant_id", tenantID),
			zap.String("capability", capability),
			zap.Error(err))
		return CheckResult{
			Blocked: true,
			Scope:   ScopeGlobal,
			Reason:  "kill switch state unavailable",
		}
	}
	return res
}

// List returns the active entries
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, services.WrapInternal("failed to list kill switches", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func (s *Service) audit(ctx context.Context, scope Scope, targetID, actor string, outcome models.AuditOutcome, reason string) error {
	if s.recorder == nil {
		return nil
	}

	tenantID := models.SystemTenantID
	if scope == ScopeTenant {
		tenantID = targetID
	}
	event := models.NewAuditEvent(tenantID, models.AuditEventKillSwitchActivated, outcome).
		WithUser(actor).
		WithRisk(models.RiskCritical).
		WithDetails(map[string]interface{}{
			"scope":     string(scope),
			"target_id": targetID,
			"reason":    reason,
		})

	if err := s.recorder.Record(ctx, event); err != nil {
		s.logger.Error("Failed to audit kill switch change",
			zap.String("scope", string(scope)),
			zap.String("target_id", targetID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		return services.NewDomainError(services.ErrorTypeInternal, "audit sink unavailable", err)
	}
	return nil
}

func validateTarget(scope Scope, targetID string) (string, error) {
	targetID = strings.TrimSpace(targetID)
	switch scope {
	case ScopeGlobal:
		return "", nil
	case ScopeTenant, ScopeCapability:
		if targetID == "" {
			return "", services.NewDomainError(services.ErrorTypeValidation, string(scope)+" kill switch requires a target id", nil)
		}
		return targetID, nil
	}
	return "", services.NewDomainError(services.ErrorTypeValidation, "invalid kill switch scope", nil).
		WithDetail("scope", string(scope))
}

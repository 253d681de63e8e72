// Package inference runs assistant requests once the governance plane has
// admitted them.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/internal/providers"
	"github.com/upb/ai-control-plane/internal/tenant"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services"
	"github.com/upb/ai-control-plane/services/governance"
	"github.com/upb/ai-control-plane/services/phase"
)

// Authorizer admits or rejects a request
type Authorizer interface {
	Authorize(ctx context.Context, req governance.Request) (*governance.Verdict, error)
}

// TaskSubmitter runs work after the response has been sent
type TaskSubmitter interface {
	Submit(task tenant.Task) error
}

// TokenRecorder adds token counts to usage
type TokenRecorder interface {
	RecordTokens(ctx context.Context, tenantID string, usageType models.UsageType, tokensIn, tokensOut int64) error
}

// AuditSink writes action diffs synchronously and provider outcomes through
// the asynchronous pipeline
type AuditSink interface {
	RecordChange(ctx context.Context, event *models.AuditEvent, before, after map[string]interface{}) error
	Enqueue(event *models.AuditEvent) error
}

// Config holds inference settings
type Config struct {
	// Timeout bounds each provider call
	Timeout time.Duration
}

// Service runs chat, OCR and action requests
type Service struct {
	authorizer Authorizer
	registry   *providers.Registry
	dispatcher TaskSubmitter
	tokens     TokenRecorder
	recorder   AuditSink
	timeout    time.Duration
	logger     *zap.Logger
}

// NewService creates a new inference service with all dependencies
func NewService(
	authorizer Authorizer,
	registry *providers.Registry,
	dispatcher TaskSubmitter,
	tokens TokenRecorder,
	recorder AuditSink,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Service{
		authorizer: authorizer,
		registry:   registry,
		dispatcher: dispatcher,
		tokens:     tokens,
		recorder:   recorder,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
}

// Chat answers a conversation
func (s *Service) Chat(ctx context.Context, caller Caller, req *ChatRequest) (*Result, error) {
	verdict, err := s.authorize(ctx, &caller, governance.Request{
		UsageType:    models.UsageTypeChat,
		Capability:   "chat",
		Operation:    "ai.chat",
		MinimumPhase: phase.ReadOnly,
	})
	if err != nil {
		return nil, err
	}

	return s.run(ctx, caller, models.UsageTypeChat, verdict, &providers.Request{
		Kind:      string(models.UsageTypeChat),
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
}

// OCR extracts structured text from a document
func (s *Service) OCR(ctx context.Context, caller Caller, req *OCRRequest) (*Result, error) {
	verdict, err := s.authorize(ctx, &caller, governance.Request{
		UsageType:    models.UsageTypeOCR,
		Capability:   "ocr",
		Operation:    "ai.ocr",
		MinimumPhase: phase.ReadOnly,
	})
	if err != nil {
		return nil, err
	}

	preq := &providers.Request{
		Kind:     string(models.UsageTypeOCR),
		Document: req.Document,
	}
	if req.DocumentType != "" {
		preq.Metadata = map[string]string{"document_type": req.DocumentType}
	}
	return s.run(ctx, caller, models.UsageTypeOCR, verdict, preq)
}

// ProposeAction drafts an action for a human to review. Nothing in the CRM
// changes.
func (s *Service) ProposeAction(ctx context.Context, caller Caller, req *ActionRequest) (*ActionResult, error) {
	verdict, err := s.authorize(ctx, &caller, actionRequest(req, "actions.propose", phase.Proposal))
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("Draft the CRM action %s", req.ActionType)
	if req.Instructions != "" {
		prompt += ": " + req.Instructions
	}
	result, err := s.run(ctx, caller, models.UsageTypeAction, verdict, &providers.Request{
		Kind: string(models.UsageTypeAction),
		Messages: []providers.Message{
			{Role: "system", Content: "You propose CRM actions for clinic staff to approve."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	return &ActionResult{
		Status:        ActionStatusProposed,
		ActionType:    req.ActionType,
		Proposal:      result.Content,
		PolicyVersion: policyVersion(verdict),
		AuditEventID:  verdict.AuditEventID,
	}, nil
}

// ExecuteAction records an approved action together with a redacted diff of
// the fields it changes
func (s *Service) ExecuteAction(ctx context.Context, caller Caller, req *ActionRequest) (*ActionResult, error) {
	verdict, err := s.authorize(ctx, &caller, actionRequest(req, "actions.execute", phase.Execution))
	if err != nil {
		return nil, err
	}

	event := models.NewAuditEvent(caller.TenantID, models.AuditEventActionExecuted, models.AuditOutcomeAllowed).
		WithUser(caller.UserID).
		WithRequest(caller.RequestID, caller.CorrelationID).
		WithPolicy(policyVersion(verdict), "").
		WithDetails(map[string]interface{}{
			"action_type":   req.ActionType,
			"resource_type": req.Resource.Type,
			"resource_id":   req.Resource.ID,
		})
	if req.RiskLevel != "" {
		event.WithRisk(req.RiskLevel)
	}
	if err := s.recorder.RecordChange(ctx, event, req.Before, req.After); err != nil {
		return nil, err
	}

	s.logger.Info("AI action executed",
		zap.String("tenant_id", caller.TenantID),
		zap.String("action_type", req.ActionType),
		zap.String("audit_event_id", event.ID.String()))

	executionID := event.ID
	return &ActionResult{
		Status:           ActionStatusExecuted,
		ActionType:       req.ActionType,
		PolicyVersion:    policyVersion(verdict),
		AuditEventID:     verdict.AuditEventID,
		ExecutionEventID: &executionID,
	}, nil
}

func (s *Service) authorize(ctx context.Context, caller *Caller, req governance.Request) (*governance.Verdict, error) {
	if caller.TenantID == "" {
		id, err := tenant.Require(ctx, req.Operation)
		if err != nil {
			return nil, err
		}
		caller.TenantID = id
	}
	req.TenantID = caller.TenantID
	req.UserID = caller.UserID
	req.Roles = caller.Roles
	req.Permissions = caller.Permissions
	req.RequestID = caller.RequestID
	req.CorrelationID = caller.CorrelationID

	verdict, err := s.authorizer.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		return nil, verdict.Err()
	}
	return verdict, nil
}

// run calls the provider for an admitted request and records token usage
// in the background
func (s *Service) run(ctx context.Context, caller Caller, usageType models.UsageType, verdict *governance.Verdict, preq *providers.Request) (*Result, error) {
	provider, err := s.registry.For(string(usageType))
	if err != nil {
		s.logger.Error("No provider for usage type", zap.String("usage_type", string(usageType)), zap.Error(err))
		return nil, services.NewDomainError(services.ErrorTypeUnavailable, "AI provider unavailable", err)
	}

	preq.TenantID = caller.TenantID
	preq.UserID = caller.UserID

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.Complete(callCtx, preq)
	if err != nil {
		err = s.providerError(callCtx, provider.Name(), err)
		s.enqueueCompletion(caller, usageType, verdict, models.AuditOutcomeFailed, map[string]interface{}{
			"provider":   provider.Name(),
			"error":      domainMessage(err),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		return nil, err
	}

	s.recordTokens(caller.TenantID, usageType, resp.Usage)
	s.enqueueCompletion(caller, usageType, verdict, models.AuditOutcomeAllowed, map[string]interface{}{
		"provider":          resp.Provider,
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"latency_ms":        time.Since(start).Milliseconds(),
	})

	return &Result{
		ID:           resp.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Content:      resp.Content,
		Usage:        resp.Usage,
		LatencyMs:    time.Since(start).Milliseconds(),
		AuditEventID: verdict.AuditEventID,
	}, nil
}

func (s *Service) providerError(callCtx context.Context, name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("AI provider timed out", zap.String("provider", name), zap.Duration("timeout", s.timeout))
		return services.NewDomainError(services.ErrorTypeTimeout, "AI provider timed out", err)
	}
	s.logger.Error("AI provider call failed",
		zap.String("provider", name),
		zap.Bool("retryable", providers.IsRetryable(err)),
		zap.Error(err))
	return services.NewDomainError(services.ErrorTypeExternal, "AI provider error", err)
}

func (s *Service) recordTokens(tenantID string, usageType models.UsageType, u providers.Usage) {
	if s.dispatcher == nil || s.tokens == nil {
		return
	}
	err := s.dispatcher.Submit(tenant.Task{
		TenantID: tenantID,
		Name:     "record_tokens",
		Run: func(ctx context.Context) error {
			return s.tokens.RecordTokens(ctx, tenantID, usageType, int64(u.PromptTokens), int64(u.CompletionTokens))
		},
	})
	if err != nil {
		s.logger.Warn("Failed to queue token usage",
			zap.String("tenant_id", tenantID),
			zap.String("usage_type", string(usageType)),
			zap.Error(err))
	}
}

// enqueueCompletion queues the provider outcome of an admitted request. The
// verdict was already recorded synchronously, so a full buffer only loses
// this follow-up event.
func (s *Service) enqueueCompletion(caller Caller, usageType models.UsageType, verdict *governance.Verdict, outcome models.AuditOutcome, details map[string]interface{}) {
	details["usage_type"] = string(usageType)
	details["authorization_event_id"] = verdict.AuditEventID.String()

	event := models.NewAuditEvent(caller.TenantID, models.AuditEventAICompletion, outcome).
		WithUser(caller.UserID).
		WithRequest(caller.RequestID, caller.CorrelationID).
		WithDetails(details)
	if err := s.recorder.Enqueue(event); err != nil {
		s.logger.Warn("Failed to queue completion audit event",
			zap.String("tenant_id", caller.TenantID),
			zap.Error(err))
	}
}

func domainMessage(err error) string {
	var de *services.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func actionRequest(req *ActionRequest, operation string, minimum phase.Phase) governance.Request {
	return governance.Request{
		UsageType:    models.UsageTypeAction,
		Capability:   "actions",
		Operation:    operation,
		MinimumPhase: minimum,
		ActionType:   req.ActionType,
		Resource:     req.Resource,
		RiskLevel:    req.RiskLevel,
		Metadata:     req.Metadata,
	}
}

func policyVersion(v *governance.Verdict) string {
	if v.Policy == nil {
		return ""
	}
	return v.Policy.PolicyVersion
}

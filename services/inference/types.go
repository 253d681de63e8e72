package inference

import (
	"github.com/google/uuid"

	"github.com/upb/ai-control-plane/internal/providers"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services/policy"
)

// Caller identifies who is making a request. Every field comes from the
// verified token.
type Caller struct {
	TenantID      string
	UserID        string
	Roles         []string
	Permissions   []string
	RequestID     string
	CorrelationID string
}

// ChatRequest represents a chat request from the client
type ChatRequest struct {
	Model     string              `json:"model,omitempty" validate:"omitempty,max=100"`
	Messages  []providers.Message `json:"messages" validate:"required,min=1,max=100,dive"`
	MaxTokens int                 `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=8192"`
}

// OCRRequest carries the text layer of an uploaded document
type OCRRequest struct {
	Document     string `json:"document" validate:"required,max=200000"`
	DocumentType string `json:"document_type,omitempty" validate:"omitempty,oneof=prescription invoice audiogram id_card other"`
}

// ActionRequest asks the assistant to propose or execute a CRM action
type ActionRequest struct {
	ActionType   string                 `json:"action_type" validate:"required,max=100"`
	Resource     policy.Resource        `json:"resource"`
	RiskLevel    models.RiskLevel       `json:"risk_level,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Instructions string                 `json:"instructions,omitempty" validate:"omitempty,max=4000"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Before       map[string]interface{} `json:"before,omitempty"`
	After        map[string]interface{} `json:"after,omitempty"`
}

// Result is the response to a chat or OCR request
type Result struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Content      string          `json:"content"`
	Usage        providers.Usage `json:"usage"`
	LatencyMs    int64           `json:"latency_ms"`
	AuditEventID uuid.UUID       `json:"audit_event_id"`
}

// Action statuses
const (
	ActionStatusProposed = "proposed"
	ActionStatusExecuted = "executed"
)

// ActionResult is the response to a propose or execute request
type ActionResult struct {
	Status           string     `json:"status"`
	ActionType       string     `json:"action_type"`
	Proposal         string     `json:"proposal,omitempty"`
	PolicyVersion    string     `json:"policy_version,omitempty"`
	AuditEventID     uuid.UUID  `json:"audit_event_id"`
	ExecutionEventID *uuid.UUID `json:"execution_event_id,omitempty"`
}

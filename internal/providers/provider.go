package providers

import (
	"context"
	"errors"
	"time"
)

// Provider is an assistant backend (LLM chat, OCR extraction, action drafting)
type Provider interface {
	// Name returns the provider name used in logs and audit details
	Name() string

	// Complete runs one request. It must return promptly once ctx is done.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Available reports whether the provider can currently take traffic
	Available(ctx context.Context) bool
}

// Request is a unified assistant request
type Request struct {
	// Kind is the usage type the request was admitted under
	Kind     string
	Model    string
	Messages []Message
	// Document carries the text extracted from an uploaded file for OCR
	Document  string
	MaxTokens int
	TenantID  string
	UserID    string
	Metadata  map[string]string
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,max=32000"`
}

// Response is a unified assistant response
type Response struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"-"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderError represents an error from a provider
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

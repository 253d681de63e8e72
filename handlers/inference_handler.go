package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/services/inference"
	"github.com/upb/ai-control-plane/utils"
)

// AIService defines the assistant operations exposed over HTTP
type AIService interface {
	Chat(ctx context.Context, caller inference.Caller, req *inference.ChatRequest) (*inference.Result, error)
	OCR(ctx context.Context, caller inference.Caller, req *inference.OCRRequest) (*inference.Result, error)
	ProposeAction(ctx context.Context, caller inference.Caller, req *inference.ActionRequest) (*inference.ActionResult, error)
	ExecuteAction(ctx context.Context, caller inference.Caller, req *inference.ActionRequest) (*inference.ActionResult, error)
}

// InferenceHandler handles assistant HTTP requests
type InferenceHandler struct {
	service AIService
	logger  *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler
func NewInferenceHandler(service AIService, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		service: service,
		logger:  logger,
	}
}

// HandleChat handles POST /api/v1/ai/chat
func (h *InferenceHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	var req inference.ChatRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	result, err := h.service.Chat(r.Context(), caller, &req)
	if err != nil {
		h.fail(w, r, "chat", err)
		return
	}

	h.logger.Info("chat completed",
		zap.String("request_id", caller.RequestID),
		zap.String("tenant_id", caller.TenantID),
		zap.String("provider", result.Provider),
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
		zap.Int64("latency_ms", result.LatencyMs))
	h.write(w, r, http.StatusOK, result)
}

// HandleOCR handles POST /api/v1/ai/ocr
func (h *InferenceHandler) HandleOCR(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	var req inference.OCRRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	result, err := h.service.OCR(r.Context(), caller, &req)
	if err != nil {
		h.fail(w, r, "ocr", err)
		return
	}
	h.write(w, r, http.StatusOK, result)
}

// HandleProposeAction handles POST /api/v1/ai/actions/propose
func (h *InferenceHandler) HandleProposeAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	var req inference.ActionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	result, err := h.service.ProposeAction(r.Context(), caller, &req)
	if err != nil {
		h.fail(w, r, "propose_action", err)
		return
	}
	h.write(w, r, http.StatusOK, result)
}

// HandleExecuteAction handles POST /api/v1/ai/actions/execute
func (h *InferenceHandler) HandleExecuteAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}
	var req inference.ActionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	result, err := h.service.ExecuteAction(r.Context(), caller, &req)
	if err != nil {
		h.fail(w, r, "execute_action", err)
		return
	}
	h.write(w, r, http.StatusCreated, result)
}

func (h *InferenceHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Warn("AI request rejected or failed",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("operation", op),
		zap.Error(err))
	HandleServiceError(w, err, h.logger)
}

func (h *InferenceHandler) write(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	if err := utils.WriteJSON(w, status, utils.SuccessResponse{Data: data}); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
	}
}

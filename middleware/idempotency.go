package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/internal/tenant"
	"github.com/upb/ai-control-plane/services/idempotency"
	"github.com/upb/ai-control-plane/utils"
)

// IdempotencyKeyHeader is the client-supplied retry key
const IdempotencyKeyHeader = "Idempotency-Key"

// DefaultMaxIdempotentBody caps the request body hashed by the guard
const DefaultMaxIdempotentBody = 1 << 20

// IdempotencyGuard is the subset of idempotency.Guard the middleware needs
type IdempotencyGuard interface {
	Begin(ctx context.Context, key idempotency.Key, bodyHash string) (idempotency.Outcome, *idempotency.Record, error)
	Save(ctx context.Context, key idempotency.Key, bodyHash string, status int, header http.Header, body []byte) error
	Release(ctx context.Context, key idempotency.Key) error
}

// IdempotencyMiddleware de-duplicates write requests by Idempotency-Key
type IdempotencyMiddleware struct {
	guard   IdempotencyGuard
	maxBody int64
	logger  *zap.Logger
}

// NewIdempotencyMiddleware creates a new IdempotencyMiddleware
func NewIdempotencyMiddleware(guard IdempotencyGuard, maxBody int64, logger *zap.Logger) *IdempotencyMiddleware {
	if maxBody <= 0 {
		maxBody = DefaultMaxIdempotentBody
	}
	return &IdempotencyMiddleware{guard: guard, maxBody: maxBody, logger: logger}
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Guard requires an Idempotency-Key on write requests. The first request
// with a key reserves it while the handler runs; a repeat arriving before it
// finishes gets 409. A repeated key with the same body replays the cached
// response and one with a different body is a conflict. Only 2xx responses
// are cached.
func (m *IdempotencyMiddleware) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWriteMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		idemKey := r.Header.Get(IdempotencyKeyHeader)
		if idemKey == "" {
			_ = utils.WriteBadRequest(w, "Idempotency-Key header is required", map[string]interface{}{
				"code": "IDEMPOTENCY_KEY_REQUIRED",
			})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large", nil)
				return
			}
			_ = utils.WriteBadRequest(w, "Failed to read request body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		tenantID, _ := tenant.FromContext(ctx)
		key := idempotency.Key{
			Method:         r.Method,
			Path:           r.URL.Path,
			IdempotencyKey: idemKey,
			TenantID:       tenantID,
		}
		bodyHash := idempotency.HashBody(body)

		outcome, rec, err := m.guard.Begin(ctx, key, bodyHash)
		if err != nil {
			m.logger.Error("idempotency lookup failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteError(w, http.StatusServiceUnavailable, "Idempotency store unavailable", nil)
			return
		}

		switch outcome {
		case idempotency.Conflict:
			_ = utils.WriteConflict(w, "Idempotency-Key was already used with a different request body", map[string]interface{}{
				"code": "IDEMPOTENCY_CONFLICT",
			})
			return
		case idempotency.InFlight:
			utils.SetRetryAfter(w, time.Second)
			_ = utils.WriteConflict(w, "A request with this Idempotency-Key is still being processed", map[string]interface{}{
				"code": "IDEMPOTENCY_IN_PROGRESS",
			})
			return
		case idempotency.Replay:
			m.logger.Debug("replaying idempotent response",
				zap.String("request_id", requestID),
				zap.String("path", key.Path))
			replay(w, rec)
			return
		}

		var buf bytes.Buffer
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&buf)

		// The reservation must not outlive a panicking handler.
		finished := false
		defer func() {
			if finished {
				return
			}
			if err := m.guard.Release(context.WithoutCancel(ctx), key); err != nil {
				m.logger.Error("failed to release idempotency key",
					zap.String("request_id", requestID),
					zap.Error(err))
			}
		}()

		next.ServeHTTP(ww, r)
		finished = true

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if err := m.guard.Save(context.WithoutCancel(ctx), key, bodyHash, status, w.Header(), buf.Bytes()); err != nil {
			m.logger.Warn("failed to cache idempotent response",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	})
}

// replay writes a cached response. Headers already set for this request,
// such as its request id or CORS headers, take precedence over cached ones.
func replay(w http.ResponseWriter, rec *idempotency.Record) {
	header := w.Header()
	for k, vs := range rec.Header {
		if _, ok := header[k]; ok {
			continue
		}
		header[k] = append([]string(nil), vs...)
	}
	w.Header().Set(idempotency.ReplayHeader, "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}

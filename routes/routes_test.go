package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/ai-control-plane/app"
	"github.com/upb/ai-control-plane/auth"
	"github.com/upb/ai-control-plane/config"
	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/services/idempotency"
)

type testServer struct {
	handler http.Handler
	issuer  *auth.Issuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			AllowedOrigins: []string{"http://localhost:*"},
		},
		Auth: config.AuthConfig{
			JWTSecret:   "routes-secret",
			JWTIssuer:   "hearing-crm",
			JWTAudience: "ai-control-plane",
		},
		Governance: config.GovernanceConfig{
			Phase:                "proposal",
			Enabled:              true,
			RateLimitPerMinute:   100,
			RateLimitPerDay:      1000,
			QuotaDefaults:        "chat:100,ocr:10,action:10",
			AuditRetentionDays:   30,
			UsageRetentionDays:   30,
			RetentionInterval:    time.Hour,
			IdempotencyTTL:       time.Hour,
			IdempotencyCacheSize: 100,
			KillSwitchRetryAfter: time.Minute,
			InferenceTimeout:     5 * time.Second,
			StorageBackend:       config.StorageMemory,
			RedactionSalt:        "salt",
		},
		Observability: config.ObservabilityConfig{LogLevel: "debug", LogRequests: true},
	}

	ctx := context.Background()
	deps, err := app.NewDependencies(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, deps.Start())
	t.Cleanup(func() { _ = deps.Close(ctx) })

	return &testServer{
		handler: SetupRoutes(deps),
		issuer: auth.NewIssuer(auth.Config{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.JWTIssuer,
			Audience: cfg.Auth.JWTAudience,
		}),
	}
}

func (s *testServer) token(t *testing.T, tenantID, userID string, roles ...string) string {
	t.Helper()
	tok, err := s.issuer.Issue(tenantID, userID, roles, nil, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token, idemKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set(middleware.IdempotencyKeyHeader, idemKey)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func chatBody() map[string]interface{} {
	return map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "Summarize the last fitting"}},
	}
}

func TestPublicRoutes(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/api/v1/status"} {
		t.Run(path, func(t *testing.T) {
			w := s.do(t, http.MethodGet, path, "", "", nil)
			assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		})
	}

	t.Run("unknown path is JSON 404", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/nothing", "", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), `"not_found"`)
	})

	t.Run("diagnostics marks header tenants unverified", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/diagnostics/tenant", nil)
		req.Header.Set(middleware.TenantHeader, "tenant-x")
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"verified":false`)
		assert.Contains(t, w.Body.String(), `"tenant-x"`)
	})
}

func TestAIRoutes(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "tenant-a", "user-1", "audiologist")

	t.Run("requires a token", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/ai/chat", "", "k1", chatBody())
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("requires an idempotency key", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/ai/chat", tok, "", chatBody())
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("chat succeeds and replays", func(t *testing.T) {
		first := s.do(t, http.MethodPost, "/api/v1/ai/chat", tok, "chat-1", chatBody())
		require.Equal(t, http.StatusOK, first.Code, first.Body.String())

		second := s.do(t, http.MethodPost, "/api/v1/ai/chat", tok, "chat-1", chatBody())
		require.Equal(t, http.StatusOK, second.Code)
		assert.Equal(t, "true", second.Header().Get(idempotency.ReplayHeader))
		assert.JSONEq(t, first.Body.String(), second.Body.String())
	})

	t.Run("usage reflects the chat", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/ai/quota/chat", tok, "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"chat"`)
	})

	t.Run("execute is refused in the proposal phase", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/ai/actions/execute", tok, "exec-1", map[string]interface{}{
			"action_type": "appointment.reschedule",
		})
		assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	})
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, "tenant-a", "admin-1", "admin")
	staff := s.token(t, "tenant-a", "user-2", "staff")

	t.Run("staff cannot reach admin routes", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/admin/kill-switches", staff, "", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("policy rules are listed", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/admin/policies", admin, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "policy_version")
	})

	t.Run("tenant kill switch blocks chat until removed", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/admin/kill-switches", admin, "ks-1", map[string]string{
			"scope":     "tenant",
			"target_id": "tenant-a",
			"reason":    "suspicious output",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = s.do(t, http.MethodPost, "/api/v1/ai/chat", staff, "chat-ks", chatBody())
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))

		w = s.do(t, http.MethodDelete, "/api/v1/admin/kill-switches/tenant/tenant-a", admin, "ks-2", nil)
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		w = s.do(t, http.MethodPost, "/api/v1/ai/chat", staff, "chat-after", chatBody())
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("audit trail lists the tenant's events", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/admin/audit/events?limit=50", admin, "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Data []map[string]interface{} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Data)
		for _, e := range resp.Data {
			assert.Equal(t, "tenant-a", e["tenant_id"])
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		w := s.do(t, http.MethodPut, "/api/v1/admin/policies", admin, "put-1", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

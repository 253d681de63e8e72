package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/upb/ai-control-plane/auth"
	"github.com/upb/ai-control-plane/middleware"
)

func claimsFor(tenantID, userID string, roles ...string) *auth.Claims {
	return &auth.Claims{TenantID: tenantID, UserID: userID, Roles: roles}
}

// newRequest builds a request carrying claims and chi URL params
func newRequest(method, target string, body interface{}, claims *auth.Claims, params map[string]string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	ctx := req.Context()
	if claims != nil {
		ctx = middleware.WithClaims(ctx, claims)
	}
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/middleware"
)

func TestHandleHealth(t *testing.T) {
	handler := NewHealthHandler(nil, nil, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
	assert.NotEmpty(t, data["timestamp"])
}

func TestHandleReadiness(t *testing.T) {
	logger := zap.NewNop()

	t.Run("healthy when database answers", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing()

		handler := NewHealthHandler(map[string]Checker{"database": CheckFunc(db.PingContext)}, nil, logger)

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeResponse(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "healthy", data["status"])
		assert.Equal(t, "healthy", data["checks"].(map[string]interface{})["database"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when any check fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		handler := NewHealthHandler(map[string]Checker{
			"database": CheckFunc(db.PingContext),
			"redis":    CheckFunc(func(context.Context) error { return nil }),
		}, nil, logger)

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		data := decodeResponse(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "unhealthy", data["status"])
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "unhealthy", checks["database"])
		assert.Equal(t, "healthy", checks["redis"])
	})

	t.Run("no checks is ready", func(t *testing.T) {
		handler := NewHealthHandler(nil, nil, logger)

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandleStatus(t *testing.T) {
	handler := NewHealthHandler(nil, func(ctx context.Context) interface{} {
		return map[string]interface{}{"phase": "proposal", "enabled": true}
	}, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "proposal", data["phase"])
}

func TestHandleDiagnosticTenant(t *testing.T) {
	handler := NewHealthHandler(nil, nil, zap.NewNop())

	t.Run("resolved", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/diagnostics/tenant", nil)
		req = req.WithContext(middleware.WithDiagnosticTenant(req.Context(), middleware.DiagnosticTenant{
			TenantID: "acme",
			Source:   middleware.TenantSourceHeader,
		}))

		w := httptest.NewRecorder()
		handler.HandleDiagnosticTenant(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeResponse(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "acme", data["tenant_id"])
		assert.Equal(t, "header", data["source"])
		assert.Equal(t, false, data["verified"])
	})

	t.Run("unresolved", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.HandleDiagnosticTenant(w, httptest.NewRequest(http.MethodGet, "/api/v1/diagnostics/tenant", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

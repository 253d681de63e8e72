package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/services"
	"github.com/upb/ai-control-plane/services/killswitch"
)

type MockKillSwitchService struct {
	mock.Mock
}

func (m *MockKillSwitchService) Activate(ctx context.Context, req killswitch.ActivateRequest) (*killswitch.Entry, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*killswitch.Entry), args.Error(1)
}

func (m *MockKillSwitchService) Deactivate(ctx context.Context, scope killswitch.Scope, targetID, actor string) error {
	return m.Called(ctx, scope, targetID, actor).Error(0)
}

func (m *MockKillSwitchService) List(ctx context.Context) ([]killswitch.Entry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]killswitch.Entry), args.Error(1)
}

func TestKillSwitchHandler_List(t *testing.T) {
	entries := []killswitch.Entry{
		{Scope: killswitch.ScopeGlobal, Reason: "incident", ActivatedAt: time.Now()},
		{Scope: killswitch.ScopeTenant, TargetID: "acme", Reason: "abuse"},
		{Scope: killswitch.ScopeTenant, TargetID: "globex", Reason: "abuse"},
		{Scope: killswitch.ScopeCapability, TargetID: "ocr", Reason: "vendor outage"},
	}

	t.Run("tenant admin sees shared and own entries", func(t *testing.T) {
		svc := new(MockKillSwitchService)
		svc.On("List", mock.Anything).Return(entries, nil)
		handler := NewKillSwitchHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleList(w, newRequest(http.MethodGet, "/api/v1/admin/kill-switches", nil,
			claimsFor("acme", "admin-1", middleware.RoleAdmin), nil))

		require.Equal(t, http.StatusOK, w.Code)
		data := decodeResponse(t, w)["data"].([]interface{})
		require.Len(t, data, 3)
		for _, item := range data {
			assert.NotEqual(t, "globex", item.(map[string]interface{})["target_id"])
		}
	})

	t.Run("platform admin sees everything", func(t *testing.T) {
		svc := new(MockKillSwitchService)
		svc.On("List", mock.Anything).Return(entries, nil)
		handler := NewKillSwitchHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleList(w, newRequest(http.MethodGet, "/api/v1/admin/kill-switches", nil,
			claimsFor("platform", "ops-1", middleware.RolePlatformAdmin), nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeResponse(t, w)["data"], 4)
	})

	t.Run("empty list renders as array", func(t *testing.T) {
		svc := new(MockKillSwitchService)
		svc.On("List", mock.Anything).Return(nil, nil)
		handler := NewKillSwitchHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleList(w, newRequest(http.MethodGet, "/", nil, claimsFor("acme", "a", middleware.RoleAdmin), nil))

		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})
}

func TestKillSwitchHandler_Activate(t *testing.T) {
	tests := []struct {
		name       string
		claimsRole string
		body       string
		wantStatus int
		wantCall   bool
	}{
		{"tenant admin switches off own tenant", middleware.RoleAdmin, `{"scope":"tenant","target_id":"acme","reason":"abuse"}`, http.StatusCreated, true},
		{"tenant admin cannot switch off another tenant", middleware.RoleAdmin, `{"scope":"tenant","target_id":"globex","reason":"abuse"}`, http.StatusForbidden, false},
		{"tenant admin cannot use global scope", middleware.RoleAdmin, `{"scope":"global","reason":"incident"}`, http.StatusForbidden, false},
		{"platform admin uses global scope", middleware.RolePlatformAdmin, `{"scope":"global","reason":"incident"}`, http.StatusCreated, true},
		{"platform admin switches off a capability", middleware.RolePlatformAdmin, `{"scope":"capability","target_id":"ocr","reason":"vendor outage"}`, http.StatusCreated, true},
		{"reason required", middleware.RolePlatformAdmin, `{"scope":"global"}`, http.StatusBadRequest, false},
		{"unknown scope", middleware.RolePlatformAdmin, `{"scope":"region","reason":"x"}`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockKillSwitchService)
			svc.On("Activate", mock.Anything, mock.MatchedBy(func(req killswitch.ActivateRequest) bool {
				return req.ActivatedBy == "user-1" && req.Reason != ""
			})).Return(&killswitch.Entry{Scope: killswitch.ScopeGlobal, ActivatedBy: "user-1"}, nil)
			handler := NewKillSwitchHandler(svc, zap.NewNop())

			w := httptest.NewRecorder()
			handler.HandleActivate(w, newRequest(http.MethodPost, "/api/v1/admin/kill-switches", tt.body,
				claimsFor("acme", "user-1", tt.claimsRole), nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCall {
				svc.AssertCalled(t, "Activate", mock.Anything, mock.Anything)
			} else {
				svc.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestKillSwitchHandler_Deactivate(t *testing.T) {
	t.Run("own tenant", func(t *testing.T) {
		svc := new(MockKillSwitchService)
		svc.On("Deactivate", mock.Anything, killswitch.ScopeTenant, "acme", "user-1").Return(nil)
		handler := NewKillSwitchHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleDeactivate(w, newRequest(http.MethodDelete, "/api/v1/admin/kill-switches/tenant/acme", nil,
			claimsFor("acme", "user-1", middleware.RoleAdmin),
			map[string]string{"scope": "tenant", "target": "acme"}))

		assert.Equal(t, http.StatusNoContent, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("not active is 404", func(t *testing.T) {
		svc := new(MockKillSwitchService)
		svc.On("Deactivate", mock.Anything, killswitch.ScopeGlobal, "", "ops-1").Return(services.ErrKillSwitchNotFound)
		handler := NewKillSwitchHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleDeactivate(w, newRequest(http.MethodDelete, "/api/v1/admin/kill-switches/global", nil,
			claimsFor("platform", "ops-1", middleware.RolePlatformAdmin),
			map[string]string{"scope": "global"}))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("tenant admin cannot lift a global switch", func(t *testing.T) {
		svc := new(MockKillSwitchService)
		handler := NewKillSwitchHandler(svc, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleDeactivate(w, newRequest(http.MethodDelete, "/api/v1/admin/kill-switches/global", nil,
			claimsFor("acme", "user-1", middleware.RoleAdmin),
			map[string]string{"scope": "global"}))

		assert.Equal(t, http.StatusForbidden, w.Code)
		svc.AssertNotCalled(t, "Deactivate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/utils"
)

const (
	// RoleAdmin manages governance for its own tenant
	RoleAdmin = "admin"
	// RolePlatformAdmin manages governance across tenants, including the
	// global and capability kill switches
	RolePlatformAdmin = "platform_admin"
)

// AccessMiddleware checks roles and permissions carried by verified claims.
// It must run after RequireAuth.
type AccessMiddleware struct {
	logger *zap.Logger
}

// NewAccessMiddleware creates a new AccessMiddleware
func NewAccessMiddleware(logger *zap.Logger) *AccessMiddleware {
	return &AccessMiddleware{logger: logger}
}

// RequireRole allows the request when the caller holds any of roles
func (m *AccessMiddleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			claims := GetClaimsFromContext(ctx)
			if claims == nil {
				m.logger.Error("claims not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			if !claims.HasAnyRole(roles...) {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("tenant_id", claims.TenantID),
					zap.Strings("required_roles", roles),
					zap.Strings("user_roles", claims.Roles))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

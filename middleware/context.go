package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/upb/ai-control-plane/auth"
)

// Context key type to avoid collisions
type contextKey string

const (
	// ClaimsKey is the context key for verified JWT claims
	ClaimsKey contextKey = "claims"

	// DiagnosticTenantKey is the context key for a tenant resolved by
	// ResolveTenant
	DiagnosticTenantKey contextKey = "diagnostic_tenant"
)

// Tenant sources, most trusted first
const (
	TenantSourceClaim  = "claim"
	TenantSourceHeader = "header"
	TenantSourceQuery  = "query"
)

// TenantHeader carries a tenant id on diagnostic routes
const TenantHeader = "X-Tenant-ID"

// DiagnosticTenant describes where a tenant id came from. Only a claim
// source is verified.
type DiagnosticTenant struct {
	TenantID string `json:"tenant_id"`
	Source   string `json:"source"`
	Verified bool   `json:"verified"`
}

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID
// middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetClaimsFromContext retrieves JWT claims from context
func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds JWT claims to the context
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetDiagnosticTenant retrieves the tenant resolved for a diagnostic route
func GetDiagnosticTenant(ctx context.Context) (DiagnosticTenant, bool) {
	dt, ok := ctx.Value(DiagnosticTenantKey).(DiagnosticTenant)
	return dt, ok
}

// WithDiagnosticTenant stores a resolved diagnostic tenant
func WithDiagnosticTenant(ctx context.Context, dt DiagnosticTenant) context.Context {
	return context.WithValue(ctx, DiagnosticTenantKey, dt)
}

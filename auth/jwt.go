// Package auth verifies bearer tokens issued by the CRM identity service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token cannot be parsed or its signature is wrong
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token is past its exp claim
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidIssuer is returned when iss does not match the configured issuer
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrInvalidAudience is returned when aud does not contain the configured audience
	ErrInvalidAudience = errors.New("invalid audience")

	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the JWT payload
type Claims struct {
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the caller holds role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the caller holds any of roles
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

// Config holds validator settings
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp and nbf
	Leeway time.Duration
}

// JWTValidator validates HS256 tokens signed with a shared secret
type JWTValidator struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewJWTValidator creates a new validator
func NewJWTValidator(cfg Config) *JWTValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	return &JWTValidator{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		parser:   jwt.NewParser(opts...),
	}
}

// ValidateToken verifies the signature, expiry, issuer and audience of a
// token and returns its claims
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidIssuer, v.issuer, claims.Issuer)
	}
	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return nil, ErrInvalidAudience
	}

	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id", ErrMissingClaim)
	}
	if claims.UserID == "" {
		if claims.Subject == "" {
			return nil, fmt.Errorf("%w: user_id", ErrMissingClaim)
		}
		claims.UserID = claims.Subject
	}

	return claims, nil
}

func containsAudience(audiences jwt.ClaimStrings, want string) bool {
	for _, aud := range audiences {
		if aud == want {
			return true
		}
	}
	return false
}

// Issuer signs tokens with the same settings a validator checks. govctl and
// tests use it.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewIssuer creates a token issuer
func NewIssuer(cfg Config) *Issuer {
	return &Issuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
}

// Issue signs a token for the given caller valid for ttl
func (i *Issuer) Issue(tenantID, userID string, roles, permissions []string, ttl time.Duration) (string, error) {
	if tenantID == "" || userID == "" {
		return "", fmt.Errorf("%w: tenant_id and user_id are required", ErrMissingClaim)
	}
	now := i.now()
	claims := Claims{
		TenantID:    tenantID,
		UserID:      userID,
		Roles:       roles,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

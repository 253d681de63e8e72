package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "crm-identity", Audience: "ai-control-plane"}

func TestValidateToken_Valid(t *testing.T) {
	token, err := NewIssuer(testConfig).Issue("acme", "u1", []string{"staff"}, []string{"ai.chat"}, time.Hour)
	require.NoError(t, err)

	claims, err := NewJWTValidator(testConfig).ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, []string{"staff"}, claims.Roles)
	assert.Equal(t, []string{"ai.chat"}, claims.Permissions)
	assert.True(t, claims.HasRole("staff"))
	assert.True(t, claims.HasAnyRole("admin", "staff"))
	assert.False(t, claims.HasRole("admin"))
}

func TestValidateToken_Expired(t *testing.T) {
	issuer := NewIssuer(testConfig)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := issuer.Issue("acme", "u1", nil, nil, time.Hour)
	require.NoError(t, err)

	_, err = NewJWTValidator(testConfig).ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	other := testConfig
	other.Secret = "another-secret"
	token, err := NewIssuer(other).Issue("acme", "u1", nil, nil, time.Hour)
	require.NoError(t, err)

	_, err = NewJWTValidator(testConfig).ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_IssuerAndAudience(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"wrong issuer", func(c *Config) { c.Issuer = "someone-else" }, ErrInvalidIssuer},
		{"wrong audience", func(c *Config) { c.Audience = "billing" }, ErrInvalidAudience},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig
			tt.mutate(&cfg)
			token, err := NewIssuer(cfg).Issue("acme", "u1", nil, nil, time.Hour)
			require.NoError(t, err)

			_, err = NewJWTValidator(testConfig).ValidateToken(context.Background(), token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{
		TenantID: "acme",
		UserID:   "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testConfig.Issuer,
			Audience:  jwt.ClaimStrings{testConfig.Audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTValidator(testConfig).ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_MissingClaims(t *testing.T) {
	sign := func(c Claims) string {
		c.Issuer = testConfig.Issuer
		c.Audience = jwt.ClaimStrings{testConfig.Audience}
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(testConfig.Secret))
		require.NoError(t, err)
		return s
	}
	v := NewJWTValidator(testConfig)

	_, err := v.ValidateToken(context.Background(), sign(Claims{UserID: "u1"}))
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = v.ValidateToken(context.Background(), sign(Claims{TenantID: "acme"}))
	assert.ErrorIs(t, err, ErrMissingClaim)

	withSub := Claims{TenantID: "acme"}
	withSub.Subject = "u9"
	claims, err := v.ValidateToken(context.Background(), sign(withSub))
	require.NoError(t, err)
	assert.Equal(t, "u9", claims.UserID)
}

func TestValidateToken_NoExpiry(t *testing.T) {
	claims := Claims{TenantID: "acme", UserID: "u1"}
	claims.Issuer = testConfig.Issuer
	claims.Audience = jwt.ClaimStrings{testConfig.Audience}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)

	_, err = NewJWTValidator(testConfig).ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_NoSecret(t *testing.T) {
	token, err := NewIssuer(testConfig).Issue("acme", "u1", nil, nil, time.Hour)
	require.NoError(t, err)

	_, err = NewJWTValidator(Config{}).ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_RequiresIdentity(t *testing.T) {
	_, err := NewIssuer(testConfig).Issue("", "u1", nil, nil, time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

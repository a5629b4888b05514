package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipepulse/pipepulse/internal/auth"
)

func TestJWTService_GenerateAndValidateAccessToken(t *testing.T) {
	svc := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://api.pipepulse.io",
		Audience:   "pipepulse-api",
	})

	token, expiresAt, err := svc.GenerateAccessToken("oncall@pipepulse.io", auth.RoleOperator)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "oncall@pipepulse.io", claims.Subject)
	assert.Equal(t, auth.RoleOperator, claims.Role)
	assert.Equal(t, "https://api.pipepulse.io", claims.Issuer)
}

func TestJWTService_UnknownRole(t *testing.T) {
	svc := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://api.pipepulse.io",
		Audience:   "pipepulse-api",
	})

	_, _, err := svc.GenerateAccessToken("oncall@pipepulse.io", "superuser")
	assert.Error(t, err)
}

func TestJWTService_InvalidToken(t *testing.T) {
	svc := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://api.pipepulse.io",
		Audience:   "pipepulse-api",
	})

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"malformed token", "not.a.valid.jwt"},
		{"invalid base64", "xxx.yyy.zzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateAccessToken(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestJWTService_WrongSigningKey(t *testing.T) {
	svc1 := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "key-one",
		Issuer:     "https://api.pipepulse.io",
		Audience:   "pipepulse-api",
	})

	token, _, err := svc1.GenerateAccessToken("svc_airflow", auth.RoleAdmin)
	require.NoError(t, err)

	svc2 := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "key-two",
		Issuer:     "https://api.pipepulse.io",
		Audience:   "pipepulse-api",
	})

	_, err = svc2.ValidateAccessToken(token)
	assert.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrInvalidAccessToken)
}

func TestJWTService_WrongIssuer(t *testing.T) {
	svc1 := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-key",
		Issuer:     "issuer-one",
		Audience:   "pipepulse-api",
	})

	token, _, err := svc1.GenerateAccessToken("svc_airflow", auth.RoleViewer)
	require.NoError(t, err)

	svc2 := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-key",
		Issuer:     "issuer-two",
		Audience:   "pipepulse-api",
	})

	_, err = svc2.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestJWTService_WrongAudience(t *testing.T) {
	svc1 := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-key",
		Issuer:     "https://api.pipepulse.io",
		Audience:   "audience-one",
	})

	token, _, err := svc1.GenerateAccessToken("svc_airflow", auth.RoleViewer)
	require.NoError(t, err)

	svc2 := auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-key",
		Issuer:     "https://api.pipepulse.io",
		Audience:   "audience-two",
	})

	_, err = svc2.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestClaims_RolePermissions(t *testing.T) {
	tests := []struct {
		role        string
		wantWrite   bool
		wantOperate bool
	}{
		{auth.RoleViewer, false, false},
		{auth.RoleOperator, false, true},
		{auth.RoleAdmin, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			claims := &auth.Claims{Role: tt.role}
			assert.Equal(t, tt.wantWrite, claims.AllowsWrite())
			assert.Equal(t, tt.wantOperate, claims.AllowsOperate())
		})
	}
}

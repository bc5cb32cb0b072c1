package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	cfg := Config{JWTSecret: "s3cret", TokenExpiry: time.Hour}

	token, expiresAt, err := GenerateToken(cfg, "ops-dashboard", RoleViewer)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := ValidateToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "ops-dashboard", claims.Subject)
	assert.Equal(t, RoleViewer, claims.Role)

	_, err = ValidateToken("other", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ValidateToken("s3cret", "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	_, _, err := GenerateToken(Config{}, "x", RoleViewer)
	assert.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	token, _, err := GenerateToken(Config{JWTSecret: "s3cret", TokenExpiry: time.Nanosecond}, "x", RoleViewer)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = ValidateToken("s3cret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCheckAPIKey(t *testing.T) {
	hash, err := HashAPIKey("admin-key")
	require.NoError(t, err)
	assert.Equal(t, "$2a$", hash[:4])

	assert.True(t, CheckAPIKey("admin-key", hash))
	assert.False(t, CheckAPIKey("wrong", hash))

	assert.True(t, CheckAPIKey("plain", "plain"))
	assert.False(t, CheckAPIKey("plain", "other"))
	assert.False(t, CheckAPIKey("", ""))
}

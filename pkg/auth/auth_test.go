// Copyright © 2025 Tessera Systems

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

func TestSignParseRoundTrip(t *testing.T) {
	claims := &Claims{
		Email:     "user@example.com",
		Workspace: "acme",
		Extra:     map[string]string{"mode": "backup"},
	}
	token, err := Sign(claims, testSecret, 0)
	require.NoError(t, err)
	require.Equal(t, 3, len(strings.Split(token, ".")))

	got, err := Parse(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, claims.Email, got.Email)
	assert.Equal(t, claims.Workspace, got.Workspace)
	assert.True(t, got.IsBackup())
	assert.False(t, got.IsUpgrade())
	assert.False(t, got.IsAdmin())
	assert.False(t, got.IsSystem())
}

func TestParseRejectsTamperedToken(t *testing.T) {
	token, err := Sign(&Claims{Email: "user@example.com", Workspace: "acme"}, testSecret, 0)
	require.NoError(t, err)

	_, err = Parse(token, []byte("other-secret"))
	assert.ErrorIs(t, err, ErrSignature)

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	_, err = Parse(tampered, testSecret)
	assert.Error(t, err)

	_, err = Parse("not-a-token", testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseExpiry(t *testing.T) {
	claims := &Claims{Email: "user@example.com", Workspace: "acme", Expiry: time.Now().Add(-time.Minute).Unix()}
	token, err := Sign(claims, testSecret, 0)
	require.NoError(t, err)
	_, err = Parse(token, testSecret)
	assert.ErrorIs(t, err, ErrExpired)

	token, err = Sign(&Claims{Email: "user@example.com", Workspace: "acme"}, testSecret, time.Hour)
	require.NoError(t, err)
	got, err := Parse(token, testSecret)
	require.NoError(t, err)
	assert.Greater(t, got.Expiry, time.Now().Unix())
}

func TestPrivilegedClaims(t *testing.T) {
	c := &Claims{
		Email:     SystemAccount,
		Workspace: "acme",
		Extra:     map[string]string{"model": "upgrade", "admin": "true"},
	}
	assert.True(t, c.IsSystem())
	assert.True(t, c.IsUpgrade())
	assert.True(t, c.IsAdmin())
}

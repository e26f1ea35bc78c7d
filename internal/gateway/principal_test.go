// ABOUTME: Tests for principal resolution: header trust and JWT bearer.

package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderResolver_ReadsHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Workspace-Id", "ws-7")
	r.Header.Set("X-User-Id", "ana")

	p, err := HeaderResolver{}.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "ws-7", p.WorkspaceID)
	assert.Equal(t, "ana", p.UserID)
}

func TestHeaderResolver_DefaultsWhenAbsent(t *testing.T) {
	p, err := HeaderResolver{}.Resolve(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "default", p.WorkspaceID)
	assert.Equal(t, "default", p.UserID)
}

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return raw
}

func TestJWTResolver_ValidToken(t *testing.T) {
	secret := []byte("test-secret")
	token := signToken(t, secret, jwt.MapClaims{
		"workspace_id": "ws-1",
		"user_id":      "bo",
		"exp":          time.Now().Add(time.Hour).Unix(),
	})

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	p, err := JWTResolver{Secret: secret}.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, "ws-1", p.WorkspaceID)
	assert.Equal(t, "bo", p.UserID)
}

func TestJWTResolver_Rejections(t *testing.T) {
	secret := []byte("test-secret")

	t.Run("missing token", func(t *testing.T) {
		_, err := JWTResolver{Secret: secret}.Resolve(httptest.NewRequest("GET", "/", nil))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, []byte("other"), jwt.MapClaims{"workspace_id": "ws", "user_id": "u"})
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err := JWTResolver{Secret: secret}.Resolve(r)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("missing claims", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{"workspace_id": "ws"})
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err := JWTResolver{Secret: secret}.Resolve(r)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		token := signToken(t, secret, jwt.MapClaims{
			"workspace_id": "ws",
			"user_id":      "u",
			"exp":          time.Now().Add(-time.Hour).Unix(),
		})
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err := JWTResolver{Secret: secret}.Resolve(r)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

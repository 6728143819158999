package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMockValidator_Verify_WithValidToken(t *testing.T) {
	mock := &MockValidator{}

	payload := map[string]interface{}{
		"sub":  "test-user-123",
		"name": "Test User",
	}
	payloadBytes, _ := json.Marshal(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	token := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." + encodedPayload + ".fake-signature"

	identity, err := mock.Verify(token)
	assert.NoError(t, err)
	assert.Equal(t, "test-user-123", identity.UserID)
	assert.Equal(t, "Test User", identity.Name)
	assert.Equal(t, []string{"player"}, identity.Roles)
}

func TestMockValidator_Verify_WithInvalidToken(t *testing.T) {
	mock := &MockValidator{}

	identity, err := mock.Verify("invalid-token")
	assert.NoError(t, err)
	assert.Equal(t, "dev-user-123", identity.UserID)
	assert.Equal(t, "Dev User", identity.Name)
}

func TestMockValidator_Verify_WithPartialClaims(t *testing.T) {
	mock := &MockValidator{}

	payload := map[string]interface{}{
		"sub": "partial-user",
	}
	payloadBytes, _ := json.Marshal(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	token := "header." + encodedPayload + ".signature"

	identity, err := mock.Verify(token)
	assert.NoError(t, err)
	assert.Equal(t, "partial-user", identity.UserID)
	assert.Equal(t, "Dev User", identity.Name) // Default
}

func TestIdentity_HasRole(t *testing.T) {
	id := Identity{UserID: "u1", Roles: []string{"player", "host"}}
	assert.True(t, id.HasRole("host"))
	assert.False(t, id.HasRole("admin"))
}

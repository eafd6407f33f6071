package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewJWTManager(t *testing.T) {
	manager := NewJWTManager("test-secret-key-for-testing-purposes", 15*time.Minute, "e2ee-api")

	assert.NotNil(t, manager)
	assert.Equal(t, 15*time.Minute, manager.accessTokenDuration)
	assert.Equal(t, "e2ee-api", manager.audience)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, "e2ee-api")

	token, err := manager.GenerateAccessToken("@alice:example.org", "ALICEPHONE")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := manager.ValidateToken(token)

	assert.NoError(t, err)
	assert.Equal(t, "@alice:example.org", claims.UserID)
	assert.Equal(t, "ALICEPHONE", claims.DeviceID)
	assert.Equal(t, "@alice:example.org", claims.Subject)
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 1*time.Nanosecond, "e2ee-api")

	token, err := manager.GenerateAccessToken("@alice:example.org", "ALICEPHONE")
	assert.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	claims, err := manager.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_WrongSecret(t *testing.T) {
	issuer := NewJWTManager("secret-one", 15*time.Minute, "e2ee-api")
	verifier := NewJWTManager("secret-two", 15*time.Minute, "e2ee-api")

	token, err := issuer.GenerateAccessToken("@alice:example.org", "ALICEPHONE")
	assert.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	issuer := NewJWTManager("test-secret", 15*time.Minute, "chat-api")
	verifier := NewJWTManager("test-secret", 15*time.Minute, "e2ee-api")

	token, err := issuer.GenerateAccessToken("@alice:example.org", "ALICEPHONE")
	assert.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Garbage(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute, "e2ee-api")

	_, err := manager.ValidateToken("not.a.token")
	assert.Error(t, err)
}

package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-jwt-secret-key-for-unit-tests"

func TestJWTTokenService_GenerateAndValidate(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, "test-issuer")
	userID := uuid.New()

	tokenStr, expiresAt, err := svc.Generate(userID, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, tokenStr)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.Validate(tokenStr)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
}

func TestJWTTokenService_ExpiredToken(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, "test-issuer")

	tokenStr, _, err := svc.Generate(uuid.New(), -time.Hour)
	require.NoError(t, err)

	_, err = svc.Validate(tokenStr)
	assert.Error(t, err)
}

func TestJWTTokenService_InvalidSignature(t *testing.T) {
	svc1 := NewJWTTokenService("secret-1", "issuer")
	svc2 := NewJWTTokenService("secret-2", "issuer")

	tokenStr, _, err := svc1.Generate(uuid.New(), time.Hour)
	require.NoError(t, err)

	_, err = svc2.Validate(tokenStr)
	assert.Error(t, err)
}

func TestJWTTokenService_WrongIssuer(t *testing.T) {
	other := NewJWTTokenService(testJWTSecret, "someone-else")
	svc := NewJWTTokenService(testJWTSecret, "wallet-settlement")

	tokenStr, _, err := other.Generate(uuid.New(), time.Hour)
	require.NoError(t, err)

	_, err = svc.Validate(tokenStr)
	assert.Error(t, err)
}

func TestJWTTokenService_RejectsNonUUIDSubject(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, "issuer")
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "merchant-42",
		"iss": "issuer",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	_, err = svc.Validate(s)
	assert.Error(t, err)
}

func TestJWTTokenService_RejectsNoneAlgorithm(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, "issuer")
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": uuid.NewString(),
		"iss": "issuer",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Validate(s)
	assert.Error(t, err)
}

func TestJWTTokenService_InvalidTokenString(t *testing.T) {
	svc := NewJWTTokenService(testJWTSecret, "issuer")

	for _, s := range []string{"", "not.a.valid.jwt", "abc"} {
		_, err := svc.Validate(s)
		assert.Error(t, err, "%q", s)
	}
}

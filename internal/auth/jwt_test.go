package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	userID := uuid.New()
	token, err := GenerateToken(userID, secret, time.Hour)
	require.NoError(t, err)

	got, err := ParseToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestParseTokenRejects(t *testing.T) {
	valid, err := GenerateToken(uuid.New(), secret, time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken(uuid.New(), secret, -time.Minute)
	require.NoError(t, err)

	sign := func(claims jwt.Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	badSubject := sign(jwt.RegisteredClaims{Subject: "alice", ExpiresAt: future})
	noExpiry := sign(jwt.RegisteredClaims{Subject: uuid.NewString()})
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: uuid.NewString(), ExpiresAt: future,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tcases := []struct {
		name   string
		token  string
		secret string
	}{
		{name: "wrong secret", token: valid, secret: "other"},
		{name: "expired", token: expired, secret: secret},
		{name: "garbage", token: "not.a.token", secret: secret},
		{name: "subject is not a uuid", token: badSubject, secret: secret},
		{name: "no expiry", token: noExpiry, secret: secret},
		{name: "alg none", token: unsigned, secret: secret},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := ParseToken(tc.token, tc.secret)
			assert.Error(t, err)
			assert.Equal(t, uuid.Nil, id)
		})
	}
}

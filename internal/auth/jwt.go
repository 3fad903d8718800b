// Package auth decodes the bearer tokens issued by the account service.
//
// Issuing tokens (login, registration) lives outside this service. The
// core only needs the subject: whoever holds a valid token for user X is
// treated as X for socket admission and REST calls.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "studyhub"

var ErrInvalidSubject = errors.New("token subject is not a user id")

// Claims is the payload inside every token. The user id travels in the
// standard "sub" claim.
type Claims struct {
	jwt.RegisteredClaims
}

// UserID returns the subject as a uuid.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidSubject
	}
	return id, nil
}

// GenerateToken signs an HS256 token for userID. The account service does
// the same; the core uses it for local tooling and tests.
func GenerateToken(userID uuid.UUID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates signature and expiry and returns the subject.
//
// Only HMAC methods are accepted. A token signed with "none" or an
// asymmetric key is refused before its signature is looked at.
func ParseToken(tokenString, secret string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, fmt.Errorf("invalid token claims")
	}
	return claims.UserID()
}

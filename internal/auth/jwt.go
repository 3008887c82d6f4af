// Package auth implements the identity-oracle middleware (spec §1
// Non-goals: the real session/auth system is out of scope, but every
// endpoint still needs to turn a request into `(user_id, is_admin)`).
//
// Adapted from _examples/Livepeer-FrameWorks-monorepo/pkg/auth/{jwt,middleware}.go:
// same Claims/GenerateJWT/ValidateJWT shape and the same algorithm-confusion
// guard in ValidateJWT, narrowed from the teacher's multi-tenant claim set
// (tenant_id, email, role) down to this gateway's (user_id, is_admin).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by ValidateJWT.
var (
	ErrInvalidJWT = errors.New("auth: invalid token")
	ErrExpiredJWT = errors.New("auth: token expired")
)

// Claims is the identity-oracle's JWT claim set.
type Claims struct {
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// GenerateJWT issues a signed token for userID, valid for the given TTL.
func GenerateJWT(userID string, isAdmin bool, secret []byte, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:  userID,
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateJWT validates tokenString and returns its claims.
func ValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredJWT
		}
		return nil, ErrInvalidJWT
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidJWT
	}
	return claims, nil
}

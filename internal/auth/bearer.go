package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingHeader   = errors.New("authorization header required")
	ErrMalformedHeader = errors.New("invalid authorization header")
	ErrMissingToken    = errors.New("token missing")
	ErrMalformedToken  = errors.New("malformed token")
	ErrExpiredToken    = errors.New("token expired")
)

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>" header value.
func ExtractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingHeader
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMalformedHeader
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// checkTokenShape parses token without verifying its signature and rejects
// tokens that are not JWTs or whose exp claim is already in the past. The
// identity service stays the only authority on validity.
func checkTokenShape(token string, now time.Time) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return errors.Join(ErrMalformedToken, err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return ErrExpiredToken
	}
	return nil
}

package auth

import "errors"

// Token validation errors, mapped to UNAUTHORIZED at the HTTP boundary.
var (
	ErrInvalidToken       = errors.New("invalid access token")
	ErrExpiredToken       = errors.New("access token has expired")
	ErrInvalidTokenClaims = errors.New("access token carries invalid claims")
)

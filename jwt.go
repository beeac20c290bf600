package main

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the subset of identity-provider claims the client reads.
// Signatures are not checked here; the backend verifies tokens it receives.
type TokenClaims struct {
	Username        string `json:"username,omitempty"`
	CognitoUsername string `json:"cognito:username,omitempty"`
	Email           string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Name returns the most specific username the token carries.
func (c *TokenClaims) Name() string {
	switch {
	case c.CognitoUsername != "":
		return c.CognitoUsername
	case c.Username != "":
		return c.Username
	default:
		return c.Subject
	}
}

var parser = jwt.NewParser()

// ParseTokenClaims decodes tokenStr without verifying its signature.
func ParseTokenClaims(tokenStr string) (*TokenClaims, error) {
	if tokenStr == "" {
		return nil, errors.New("empty token")
	}
	claims := &TokenClaims{}
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenExpiry returns the earliest exp across the access and id tokens.
// A bundle whose access token has no readable exp gets the zero time, which
// no validity check accepts.
func TokenExpiry(accessToken, idToken string) time.Time {
	var exp time.Time
	for i, tok := range []string{accessToken, idToken} {
		claims, err := ParseTokenClaims(tok)
		if err != nil || claims.ExpiresAt == nil {
			if i == 0 {
				return time.Time{}
			}
			continue
		}
		t := claims.ExpiresAt.Time
		if exp.IsZero() || t.Before(exp) {
			exp = t
		}
	}
	return exp
}

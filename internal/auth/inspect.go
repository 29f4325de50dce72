package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is what the console can tell about a bearer token without the server's key.
type TokenInfo struct {
	Subject   string
	Issuer    string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token claims to be expired at now. Display only: the server is the
// authority on expiry.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

type consoleClaims struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Inspect decodes the claims of a JWT bearer token without verifying its signature. Opaque
// tokens return an error.
func Inspect(token string) (TokenInfo, error) {
	if token == "" {
		return TokenInfo{}, errors.New("auth: empty token")
	}
	var claims consoleClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}, err
	}
	info := TokenInfo{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
		Role:    claims.Role,
	}
	if info.Subject == "" {
		info.Subject = claims.Email
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

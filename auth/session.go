package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/devzarr/devzarr/config"
)

var ErrInvalidSession = errors.New("invalid session token")

// Sessions issues and verifies the HS256 session JWTs handed out after an
// OIDC login. Sessions are stateless: logout is client-side discard plus
// expiry, there is no server-side revocation list.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

func NewSessions(cfg *config.Config) (*Sessions, error) {
	if cfg.SessionConfig.Secret == "" {
		return nil, fmt.Errorf("session secret is not configured")
	}
	ttl := cfg.SessionConfig.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{secret: []byte(cfg.SessionConfig.Secret), ttl: ttl}, nil
}

// Issue creates a session token for the given user id.
func (s *Sessions) Issue(userId string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userId,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		Issuer:    "devzarr",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify returns the user id carried by a valid, unexpired session token.
func (s *Sessions) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidSession
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

// Package auth issues and validates the callback tokens an agent process
// presents when it dials back to the bridge.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "session-bridge"
	audience = "agent-callback"

	minSecretBytes = 32
)

// ErrSessionMismatch is returned when a valid token was issued for a
// different session than the one being connected.
var ErrSessionMismatch = errors.New("token issued for a different session")

// Claims represents the JWT claims of an agent callback token.
type Claims struct {
	jwt.RegisteredClaims
	Session string `json:"session"`
}

// TokenIssuer mints and validates HMAC-signed agent callback tokens. Tokens
// are scoped to a single session id and expire after ttl.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. An empty secret generates a random one,
// which invalidates outstanding tokens when the bridge restarts.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, minSecretBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	} else if len(key) < minSecretBytes {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretBytes)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &TokenIssuer{secret: key, ttl: ttl, now: time.Now}, nil
}

// Mint returns a signed token that admits an agent to sessionID.
func (i *TokenIssuer) Mint(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   sessionID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Session: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenString and checks that it admits sessionID.
func (i *TokenIssuer) Validate(tokenString, sessionID string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Session != sessionID {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrSessionMismatch, sessionID, claims.Session)
	}
	return claims, nil
}

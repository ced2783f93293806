// Package identity issues and verifies the signed session tokens that tie a
// client connection to an actor.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrWeakSecret is returned by NewSessionIssuer for a signing secret shorter
// than MinSecretLen bytes.
var ErrWeakSecret = errors.New("session secret too short")

// MinSecretLen is the minimum HMAC secret length accepted.
const MinSecretLen = 32

const sessionTokenType = "session"

// SessionClaims are the JWT claims of a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	ActorID   string `json:"actor"`
	Type      string `json:"type"`
}

// SessionIssuer issues and verifies HS256 session tokens.
type SessionIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSessionIssuer creates a SessionIssuer.
//
//	secret — HMAC key, at least MinSecretLen bytes.
//	issuer — the "iss" claim value.
//	ttl    — token lifetime (default: 12 hours).
func NewSessionIssuer(secret []byte, issuer string, ttl time.Duration) (*SessionIssuer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLen, len(secret))
	}
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &SessionIssuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string { return uuid.New().String() }

// Issue creates a signed token binding sessionID to actorID.
func (s *SessionIssuer) Issue(actorID, sessionID string) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
		SessionID: sessionID,
		ActorID:   actorID,
		Type:      sessionTokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its claims.
func (s *SessionIssuer) Verify(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token claims")
	}
	if claims.Type != sessionTokenType || claims.SessionID == "" {
		return nil, fmt.Errorf("not a session token")
	}
	return claims, nil
}

// TTL returns the token lifetime.
func (s *SessionIssuer) TTL() time.Duration { return s.ttl }

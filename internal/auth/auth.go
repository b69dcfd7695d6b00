// Package auth issues and verifies agent bearer tokens.
//
// Authentication model:
//   - Read endpoints (pools, risk, claims) need no auth
//   - Mutations require "Authorization: Bearer <jwt>" whose subject is the
//     agent's lowercased hex address
//   - Tokens are HS256, signed with JWT_SECRET and issued by coverctl
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/agentcover/internal/idgen"
)

var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoSecret     = errors.New("signing secret required")
	ErrBadSubject   = errors.New("token subject must be a hex address")
)

const (
	// DefaultTTL is the lifetime of an issued token.
	DefaultTTL = 24 * time.Hour
	// Issuer is the iss claim on every token.
	Issuer = "agentcover"
)

// Claims are the registered claims of an agent token. Subject is the agent
// address.
type Claims struct {
	jwt.RegisteredClaims
}

// Agent returns the lowercased agent address the token was issued to.
func (c *Claims) Agent() string { return c.Subject }

// Manager signs and verifies tokens with a shared secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager. A non-positive ttl uses DefaultTTL.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue returns a signed token for agentAddr and its expiry.
func (m *Manager) Issue(agentAddr string) (string, time.Time, error) {
	if !common.IsHexAddress(agentAddr) {
		return "", time.Time{}, ErrBadSubject
	}
	now := m.now().UTC()
	exp := now.Add(m.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        idgen.WithPrefix("tok_"),
		Issuer:    Issuer,
		Subject:   strings.ToLower(agentAddr),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses raw (with or without the "Bearer " prefix) and returns its
// claims.
func (m *Manager) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !common.IsHexAddress(claims.Subject) {
		return nil, ErrBadSubject
	}
	claims.Subject = strings.ToLower(claims.Subject)
	return claims, nil
}

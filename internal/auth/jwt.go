// Package auth - jwt.go handles JWT token creation, signing, and verification
// using a shared secret. Tokens carry the user identity, role, and the transport
// session id that the session registry tracks.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIssuer is used when no issuer is configured.
	DefaultIssuer = "sentinel"
	// DefaultTokenTTL is the lifetime of issued tokens when none is given.
	DefaultTokenTTL = time.Hour
	// MinSecretLength is the recommended minimum secret length.
	MinSecretLength = 32
)

// ErrMissingSecret is returned when no secret is configured outside dev mode.
var ErrMissingSecret = errors.New("SECURITY ERROR: auth.jwt.secret is required in production. " +
	"Generate a secure secret with: openssl rand -hex 32")

// Claims represents the JWT claims structure
type Claims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a less secure but functional secret
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// NewTokenManager validates the secret and returns a TokenManager.
// In dev mode an empty secret is replaced by a random one and a warning is logged;
// otherwise an empty secret fails with ErrMissingSecret.
func NewTokenManager(secret, issuer string, ttl time.Duration, devMode bool) (*TokenManager, error) {
	if secret == "" {
		if !devMode {
			return nil, ErrMissingSecret
		}
		secret = generateRandomSecret()
		slog.Warn("JWT secret not set, using auto-generated secret for development; sessions will not persist across restarts")
	} else if len(secret) < MinSecretLength {
		slog.Warn("JWT secret is shorter than recommended", "min_length", MinSecretLength)
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens.
func (m *TokenManager) TTL() time.Duration { return m.ttl }

// Generate creates a signed token for an authenticated user and returns it together
// with its expiry.
func (m *TokenManager) Generate(userID, email, role, sessionID string) (string, time.Time, error) {
	return m.GenerateWithTTL(userID, email, role, sessionID, m.ttl)
}

// GenerateWithTTL is Generate with an explicit lifetime. A zero lifetime selects the
// manager default.
func (m *TokenManager) GenerateWithTTL(userID, email, role, sessionID string, expiresIn time.Duration) (string, time.Time, error) {
	if expiresIn == 0 {
		expiresIn = m.ttl
	}
	now := m.now()
	expiresAt := now.Add(expiresIn)

	claims := &Claims{
		UserID:    userID,
		Email:     email,
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// Validate parses and validates a token
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	return claims, nil
}

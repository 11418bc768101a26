package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSigningSecret indicates the manager was built without a secret.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	// ErrMissingEmail indicates a token was requested for an empty account email.
	ErrMissingEmail = errors.New("auth: email claim must be provided")
	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// AccountClaims is the JWT payload carried by sync bearer tokens.
type AccountClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenManagerConfig configures the bearer token manager.
type TokenManagerConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// TokenManager issues and validates HS256 bearer tokens bound to an account email.
type TokenManager struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewTokenManager constructs a TokenManager with sane defaults.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		clock:         clock,
	}
}

// Issue produces a signed bearer token for the given account email.
func (m *TokenManager) Issue(email string) (string, error) {
	if len(m.signingSecret) == 0 {
		return "", ErrMissingSigningSecret
	}
	if strings.TrimSpace(email) == "" {
		return "", ErrMissingEmail
	}

	claims := AccountClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(m.clock().UTC()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingSecret)
}

// Validate checks the bearer token signature and returns the account email.
func (m *TokenManager) Validate(tokenString string) (string, error) {
	if len(m.signingSecret) == 0 {
		return "", ErrMissingSigningSecret
	}

	claims := &AccountClaims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Email) == "" {
		return "", ErrMissingEmail
	}
	return claims.Email, nil
}

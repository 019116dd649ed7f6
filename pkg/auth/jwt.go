package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mahaj/studio-chat/pkg/model"
)

type Claims struct {
	Email     string     `json:"email"`
	Role      model.Role `json:"role"`
	SessionID string     `json:"sid"`
	jwt.RegisteredClaims
}

type contextKey string

// IdentityKey holds the authenticated Identity on a request context.
const IdentityKey contextKey = "identity"

// Tokens signs and verifies bearer tokens with a shared HMAC secret.
type Tokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{key: []byte(secret), ttl: ttl, now: time.Now}
}

// Generate issues a token for user that expires after the configured TTL.
func (t *Tokens) Generate(user model.User, sessionID string) (string, time.Time, error) {
	issued := t.now()
	expires := issued.Add(t.ttl)
	claims := &Claims{
		Email:     user.Email,
		Role:      user.Role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expires, nil
}

// Validate checks the signature and expiry of tokenString.
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrSessionExpired
	}
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

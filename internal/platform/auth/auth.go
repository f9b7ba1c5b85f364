// Package auth issues and verifies bearer tokens and carries the acting
// identity into every routing operation.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Authorities recognised by the service.
const (
	AuthorityAdmin  = "WORKFLOW_ADMIN"
	AuthoritySystem = "SYSTEM"
)

// Actor is the identity performing an operation. It is passed explicitly to
// every service call; nothing reads identity from ambient state.
type Actor struct {
	UserID      string   `json:"id"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Authorities []string `json:"authorities,omitempty"`
}

// SystemActor is used by scheduled jobs.
func SystemActor() Actor {
	return Actor{UserID: "system", Name: "System", Authorities: []string{AuthoritySystem}}
}

// Has reports whether the actor holds authority.
func (a Actor) Has(authority string) bool {
	for _, held := range a.Authorities {
		if held == authority {
			return true
		}
	}
	return false
}

// IsSystem reports whether the actor is a scheduled job.
func (a Actor) IsSystem() bool { return a.Has(AuthoritySystem) }

// EmailMatches compares emails case-insensitively.
func (a Actor) EmailMatches(email string) bool {
	return a.Email != "" && strings.EqualFold(strings.TrimSpace(a.Email), strings.TrimSpace(email))
}

// Claims is the JWT payload.
type Claims struct {
	Actor Actor `json:"actor"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 bearer tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a TokenManager.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	if secret == "" {
		secret = "development-secret-change-me"
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for actor.
func (m *TokenManager) Issue(actor Actor) (string, error) {
	now := m.now()
	claims := &Claims{
		Actor: actor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates a token and returns its actor.
func (m *TokenManager) Verify(tokenString string) (Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return Actor{}, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Actor{}, fmt.Errorf("invalid token")
	}
	if claims.Actor.UserID == "" {
		claims.Actor.UserID = claims.Subject
	}
	return claims.Actor, nil
}

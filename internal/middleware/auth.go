// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the authorized identity.
	IdentityKey ContextKey = "identity"

	requestInfoKey ContextKey = "request_info"
)

// requestInfo is shared between Logging and the handlers below it so the
// request log can carry values resolved after routing.
type requestInfo struct {
	mu       sync.Mutex
	identity string
}

func (i *requestInfo) setIdentity(identity string) {
	i.mu.Lock()
	i.identity = identity
	i.mu.Unlock()
}

func (i *requestInfo) getIdentity() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.identity
}

// ErrUnauthorized is returned when a request carries no valid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Claims represents JWT claims. The subject is the caller's identity.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTAuthorizer resolves identities from HS256 bearer tokens.
type JWTAuthorizer struct {
	secret []byte
}

// NewJWTAuthorizer creates an authorizer verifying tokens with secret.
func NewJWTAuthorizer(secret string) *JWTAuthorizer {
	return &JWTAuthorizer{secret: []byte(secret)}
}

// Authorize returns the identity carried by the request's bearer token.
func (a *JWTAuthorizer) Authorize(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrUnauthorized)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	return claims.Subject, nil
}

// MintToken signs a development token for subject.
func MintToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if subject == "" {
		return "", errors.New("subject is empty")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WithIdentity returns a copy of ctx carrying identity. Under Logging the
// identity is also added to the request log.
func WithIdentity(ctx context.Context, identity string) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.setIdentity(identity)
	}
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentity gets the identity from context.
func GetIdentity(ctx context.Context) string {
	if v, ok := ctx.Value(IdentityKey).(string); ok {
		return v
	}
	return ""
}

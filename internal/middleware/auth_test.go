package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func requestWithAuth(header string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestJWTAuthorizerAcceptsMintedToken(t *testing.T) {
	token, err := MintToken(testSecret, "u1", time.Hour)
	require.NoError(t, err)

	identity, err := NewJWTAuthorizer(testSecret).Authorize(requestWithAuth("Bearer " + token))
	require.NoError(t, err)
	assert.Equal(t, "u1", identity)
}

func TestJWTAuthorizerRejects(t *testing.T) {
	good, err := MintToken(testSecret, "u1", time.Hour)
	require.NoError(t, err)
	otherSecret, err := MintToken("other", "u1", time.Hour)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + good},
		{"no token", "Bearer"},
		{"garbage", "Bearer not-a-token"},
		{"wrong secret", "Bearer " + otherSecret},
		{"expired", "Bearer " + expired},
		{"no subject", "Bearer " + noSubject},
	}

	a := NewJWTAuthorizer(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authorize(requestWithAuth(tt.header))
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestMintTokenRequiresSecretAndSubject(t *testing.T) {
	_, err := MintToken("", "u1", time.Hour)
	assert.Error(t, err)

	_, err = MintToken(testSecret, "", time.Hour)
	assert.Error(t, err)
}

func TestIdentityContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, GetIdentity(r.Context()))

	ctx := WithIdentity(r.Context(), "u1")
	assert.Equal(t, "u1", GetIdentity(ctx))
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psam21/ncoin-messaging/internal/model"
)

const testSecret = "test-secret"

var testPubkey = strings.Repeat("ab", 32)

func signToken(t *testing.T, secret, subject string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authProbe(t *testing.T, authHeader string) (*httptest.ResponseRecorder, model.Identity) {
	t.Helper()
	var seen model.Identity
	handler := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetIdentity(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestAuthAcceptsValidToken(t *testing.T) {
	token := signToken(t, testSecret, testPubkey, time.Hour)
	rec, identity := authProbe(t, "Bearer "+token)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, model.Identity{Pubkey: testPubkey, Authenticated: true}, identity)
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	rec, _ := authProbe(t, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsMalformedHeader(t *testing.T) {
	rec, _ := authProbe(t, "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	token := signToken(t, "other-secret", testPubkey, time.Hour)
	rec, _ := authProbe(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	token := signToken(t, testSecret, testPubkey, -time.Minute)
	rec, _ := authProbe(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsNonPubkeySubject(t *testing.T) {
	token := signToken(t, testSecret, "user-42", time.Hour)
	rec, _ := authProbe(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetIdentityWithoutAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	identity := GetIdentity(req.Context())
	assert.False(t, identity.Authenticated)
	assert.Empty(t, identity.Pubkey)
}

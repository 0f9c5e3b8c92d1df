// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/psam21/ncoin-messaging/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// PubkeyKey is the context key for the authenticated identity.
	PubkeyKey ContextKey = "pubkey"
)

// Claims represents JWT claims. The subject is the signer's pubkey.
type Claims struct {
	jwt.RegisteredClaims
}

// Auth creates JWT authentication middleware. The token subject becomes
// the request identity.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			if err := ValidatePubkey(claims.Subject); err != nil {
				http.Error(w, `{"error":"invalid token subject"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), PubkeyKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPubkey gets the authenticated pubkey from context.
func GetPubkey(ctx context.Context) string {
	if v := ctx.Value(PubkeyKey); v != nil {
		return v.(string)
	}
	return ""
}

// GetIdentity gets the request identity from context. Requests that never
// passed Auth yield an unauthenticated identity.
func GetIdentity(ctx context.Context) model.Identity {
	pubkey := GetPubkey(ctx)
	return model.Identity{
		Pubkey:        pubkey,
		Authenticated: pubkey != "",
	}
}

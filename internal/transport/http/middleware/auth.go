package middleware

import (
	"context"
	"net/http"
	"strings"

	jwtinfra "github.com/go-signup-mfa/internal/infrastructure/jwt"
)

type contextKey string

const (
	claimsKey    contextKey = "claims"
	principalKey contextKey = "principal"
)

// TokenVerifier is satisfied by *jwtinfra.Provider.
type TokenVerifier interface {
	Parse(tokenStr string) (*jwtinfra.Claims, error)
	Verify(tokenStr string, expected jwtinfra.TokenType) (*jwtinfra.Claims, error)
}

// Auth returns middleware that validates a Bearer session token and injects claims into context.
func Auth(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			claims, err := v.Verify(tokenStr, jwtinfra.TokenSession)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// IdentityAuth accepts only the identity token handed out after email verification.
// Session tokens are refused here just as identity tokens are refused by Auth.
func IdentityAuth(v TokenVerifier) func(http.Handler) http.Handler {
	return scopedAuth(v, jwtinfra.TokenIdentity, jwtinfra.ScopeProfileCreate, "invalid or expired identity token")
}

// SignInAuth accepts only the sign-in token of a user who has passed the email code
// and still owes a second factor.
func SignInAuth(v TokenVerifier) func(http.Handler) http.Handler {
	return scopedAuth(v, jwtinfra.TokenSignIn, jwtinfra.ScopeSignInFactor, "invalid or expired sign-in token")
}

func scopedAuth(v TokenVerifier, typ jwtinfra.TokenType, scope, msg string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			claims, err := v.Verify(tokenStr, typ)
			if err != nil || !claims.HasScope(scope) {
				writeJSONError(w, http.StatusUnauthorized, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func WithClaims(ctx context.Context, c *jwtinfra.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext extracts JWT claims from the request context.
func ClaimsFromContext(ctx context.Context) (*jwtinfra.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwtinfra.Claims)
	return c, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

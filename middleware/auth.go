package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/handlers/auth"
)

type contextKey string

const ClaimsContextKey = contextKey("claims")

// TokenParser verifies bearer tokens.
type TokenParser interface {
	ParseToken(tokenString string) (*auth.AppClaims, error)
}

// AuthJWT rejects requests without a valid bearer token.
func AuthJWT(parser TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header is required"})
				return
			}

			tokenString, ok := bearer(authHeader)
			if !ok {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header format must be Bearer {token}"})
				return
			}

			claims, err := parser.ParseToken(tokenString)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth attaches claims when a valid bearer token is present and
// otherwise lets the request through anonymously.
func OptionalAuth(parser TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenString, ok := bearer(r.Header.Get("Authorization")); ok {
				if claims, err := parser.ParseToken(tokenString); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), ClaimsContextKey, claims))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFrom returns the authenticated caller, or the zero Identity.
func IdentityFrom(ctx context.Context) core.Identity {
	claims, ok := ctx.Value(ClaimsContextKey).(*auth.AppClaims)
	if !ok || claims == nil {
		return core.Identity{}
	}
	return claims.Identity()
}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *auth.AppClaims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}

func bearer(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soham-khedkar/humourhub/core"
	"github.com/soham-khedkar/humourhub/handlers/auth"
)

type stubParser map[string]*auth.AppClaims

func (p stubParser) ParseToken(tokenString string) (*auth.AppClaims, error) {
	if claims, ok := p[tokenString]; ok {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

var parser = stubParser{
	"good": {RegisteredClaims: jwt.RegisteredClaims{Subject: "github:1"}, Login: "alice"},
}

func echoIdentity(t *testing.T, got *core.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthJWT(t *testing.T) {
	testCases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"invalid token", "Bearer bad", http.StatusUnauthorized},
		{"valid token", "Bearer good", http.StatusNoContent},
		{"lower case scheme", "bearer good", http.StatusNoContent},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var got core.Identity
			handler := AuthJWT(parser)(echoIdentity(t, &got))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Errorf("Status code mismatch: got %d, want %d", rec.Code, tc.status)
			}
			if tc.status == http.StatusNoContent && got.Subject != "github:1" {
				t.Errorf("identity = %+v", got)
			}
		})
	}
}

func TestOptionalAuth(t *testing.T) {
	for header, wantSubject := range map[string]string{
		"":            "",
		"Bearer bad":  "",
		"Bearer good": "github:1",
	} {
		var got core.Identity
		handler := OptionalAuth(parser)(echoIdentity(t, &got))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("%q: status %d, want pass-through", header, rec.Code)
		}
		if got.Subject != wantSubject {
			t.Errorf("%q: subject = %q, want %q", header, got.Subject, wantSubject)
		}
	}
}

func TestIdentityFrom_Empty(t *testing.T) {
	if id := IdentityFrom(context.Background()); !id.Anonymous() {
		t.Errorf("IdentityFrom(empty) = %+v", id)
	}
}

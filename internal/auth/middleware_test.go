package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func makeToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func runRequest(cfg Config, authorization string) (*httptest.ResponseRecorder, string) {
	var actor string
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = Actor(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/refunds", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, actor
}

func TestMiddleware(t *testing.T) {
	const secret = "jwt-secret"
	cfg := Config{
		AdminAPIKey: "shared-key",
		JWTSecret:   secret,
		AdminEmails: []string{"Ops@Example.com"},
	}

	t.Run("missing token", func(t *testing.T) {
		rec, _ := runRequest(cfg, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		rec, _ := runRequest(cfg, "Basic abc")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("shared secret", func(t *testing.T) {
		rec, actor := runRequest(cfg, "Bearer shared-key")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if actor != "api-key" {
			t.Errorf("actor = %q", actor)
		}
	})

	t.Run("jwt with allowlisted email", func(t *testing.T) {
		token := makeToken(t, secret, jwt.MapClaims{
			"sub":   "user-1",
			"email": "ops@example.com",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		rec, actor := runRequest(cfg, "Bearer "+token)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if actor != "ops@example.com" {
			t.Errorf("actor = %q", actor)
		}
	})

	t.Run("jwt not on allowlist", func(t *testing.T) {
		token := makeToken(t, secret, jwt.MapClaims{
			"sub":   "user-2",
			"email": "intruder@example.com",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		rec, _ := runRequest(cfg, "Bearer "+token)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("jwt wrong secret", func(t *testing.T) {
		token := makeToken(t, "other-secret", jwt.MapClaims{
			"email": "ops@example.com",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		rec, _ := runRequest(cfg, "Bearer "+token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("expired jwt", func(t *testing.T) {
		token := makeToken(t, secret, jwt.MapClaims{
			"email": "ops@example.com",
			"exp":   time.Now().Add(-time.Hour).Unix(),
		})
		rec, _ := runRequest(cfg, "Bearer "+token)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

// Package auth guards the admin API. A request authenticates with a bearer
// token that is either the shared admin API key or an HS256 JWT whose subject
// or email claim is on the administrator allowlist.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/logger"
)

type contextKey string

const actorKey contextKey = "admin_actor"

// Config holds the accepted credentials.
type Config struct {
	// AdminAPIKey, when set, is accepted verbatim as a bearer token. The
	// acting identity is recorded as "api-key".
	AdminAPIKey string
	// JWTSecret verifies HS256 tokens.
	JWTSecret string
	// AdminEmails is the allowlist matched (case-insensitively) against the
	// token's email claim or subject.
	AdminEmails []string
}

// Actor returns the authenticated administrator identity from context.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

// Middleware authenticates admin requests.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	allow := make(map[string]bool, len(cfg.AdminEmails))
	for _, e := range cfg.AdminEmails {
		allow[strings.ToLower(strings.TrimSpace(e))] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				apperrors.WriteError(w, apperrors.CodeUnauthorized, "missing bearer token", nil)
				return
			}

			// Shared-secret path.
			if cfg.AdminAPIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AdminAPIKey)) == 1 {
				ctx := context.WithValue(r.Context(), actorKey, "api-key")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if cfg.JWTSecret == "" {
				apperrors.WriteError(w, apperrors.CodeUnauthorized, "invalid bearer token", nil)
				return
			}

			actor, err := verifyJWT(token, cfg.JWTSecret)
			if err != nil {
				apperrors.WriteError(w, apperrors.CodeUnauthorized, "invalid bearer token", nil)
				return
			}
			if !allow[strings.ToLower(actor)] {
				log := logger.FromContext(r.Context())
				log.Warn().
					Str("actor", logger.RedactEmail(actor)).
					Msg("auth.admin_denied")
				apperrors.WriteError(w, apperrors.CodeForbidden, "not an administrator", nil)
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// verifyJWT validates an HS256 token and extracts the acting identity:
// the email claim when present, otherwise the subject.
func verifyJWT(token, secret string) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", jwt.ErrTokenUnverifiable
	}

	if email, ok := claims["email"].(string); ok && email != "" {
		return email, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", jwt.ErrTokenRequiredClaimMissing
	}
	return sub, nil
}

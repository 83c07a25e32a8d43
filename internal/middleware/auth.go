package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apierrors "lessonvault/internal/errors"
	"lessonvault/internal/infrastructure"
)

type contextKey string

const (
	learnerIDKey contextKey = "learner_id"
	roleKey      contextKey = "role"
)

// identityClaims is the payload of bearer tokens minted by the identity
// service. Only the subject and role matter here.
type identityClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// LearnerAuth verifies the Authorization bearer token and places the learner
// identity in the request context. Requests without a valid token get a
// RFC 7807 401.
func LearnerAuth(secret []byte, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, r, "Missing bearer token")
				return
			}

			claims := &identityClaims{}
			parsed, err := jwt.NewParser(
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			).ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !parsed.Valid || claims.Subject == "" {
				logger.WarnContext(ctx, "bearer token rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				unauthorized(w, r, "Invalid or expired bearer token")
				return
			}

			ctx = context.WithValue(ctx, learnerIDKey, claims.Subject)
			ctx = context.WithValue(ctx, roleKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// unauthorized writes the same RFC 7807 shape the error handler produces,
// but with the strict problem+json media type and the challenge header the
// 401 status calls for.
func unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	problem := apierrors.NewProblemDetails(
		http.StatusUnauthorized,
		apierrors.TypeUnauthorized,
		"Unauthorized",
		detail,
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))

	body, err := json.Marshal(problem)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="lessonvault"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write(body)
}

// LearnerID returns the authenticated learner from the context, empty when
// unauthenticated.
func LearnerID(ctx context.Context) string {
	if id, ok := ctx.Value(learnerIDKey).(string); ok {
		return id
	}
	return ""
}

// Role returns the authenticated principal's role.
func Role(ctx context.Context) string {
	if role, ok := ctx.Value(roleKey).(string); ok {
		return role
	}
	return ""
}

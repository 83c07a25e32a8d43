package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var authSecret = []byte("0123456789abcdef0123456789abcdef")

func mintIdentityToken(t *testing.T, learnerID, role string, ttl time.Duration) string {
	t.Helper()
	claims := identityClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   learnerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authSecret)
	require.NoError(t, err)
	return token
}

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRequestID_HonorsInbound(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-123", GetRequestID(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestLearnerAuth_ValidToken(t *testing.T) {
	handler := LearnerAuth(authSecret, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "learner-1", LearnerID(r.Context()))
		assert.Equal(t, "STUDENT", Role(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+mintIdentityToken(t, "learner-1", "STUDENT", time.Hour))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLearnerAuth_Rejections(t *testing.T) {
	handler := LearnerAuth(authSecret, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	tests := []struct {
		name  string
		token string
	}{
		{"missing header", ""},
		{"garbage token", "Bearer not-a-token"},
		{"expired token", "Bearer " + mintIdentityToken(t, "learner-1", "STUDENT", -time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", tt.token)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

			// The body carries the same problem-details shape every other
			// error path produces.
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "/errors/unauthorized", body["type"])
			assert.Equal(t, "Unauthorized", body["title"])
			assert.Equal(t, float64(http.StatusUnauthorized), body["status"])
			assert.NotEmpty(t, body["detail"])
			assert.Contains(t, body, "trace_id")
		})
	}
}

func TestDeviceFingerprint_HeaderAndFallback(t *testing.T) {
	var seen string
	handler := DeviceFingerprint(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Fingerprint(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(FingerprintHeader, "fp-header")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "fp-header", seen)

	req = httptest.NewRequest(http.MethodGet, "/?deviceFingerprint=fp-query", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "fp-query", seen)

	// Header wins over the query fallback.
	req = httptest.NewRequest(http.MethodGet, "/?deviceFingerprint=fp-query", nil)
	req.Header.Set(FingerprintHeader, "fp-header")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "fp-header", seen)

	seen = "unset"
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "", seen)
}

func TestRateLimiter_Rejects(t *testing.T) {
	rl := NewRateLimiter(1, 1, slog.Default())
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCORS_Preflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("preflight must not reach the handler")
		}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), FingerprintHeader)
}

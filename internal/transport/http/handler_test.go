package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	apierrors "lessonvault/internal/errors"
	"lessonvault/internal/middleware"
)

var testAuthSecret = []byte("handler-test-secret-0123456789ab")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testErrorHandler() *apierrors.ErrorHandler {
	return apierrors.NewErrorHandler(testLogger(), false)
}

type testIdentityClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func mintLearnerToken(t *testing.T, learnerID string) string {
	t.Helper()
	claims := testIdentityClaims{
		Role: "STUDENT",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   learnerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testAuthSecret)
	require.NoError(t, err)
	return token
}

// newStudentRouter mounts routes the way the application does for the
// authenticated student surface.
func newStudentRouter(routes chi.Router) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.LearnerAuth(testAuthSecret, testLogger()))
	r.Use(middleware.DeviceFingerprint)
	r.Mount("/", routes)
	return r
}

// newMediaRouter mounts routes the way the application does for the
// unauthenticated media surface. Grants carry their own proof.
func newMediaRouter(routes chi.Router) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.DeviceFingerprint)
	r.Mount("/", routes)
	return r
}

func doRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

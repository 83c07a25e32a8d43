package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonvault/internal/grant"
)

const (
	testGrantSecret = "grant-secret-grant-secret-grant!"
	testAuthSecret  = "auth-secret-auth-secret-auth-sec"
)

const testSeed = `
courses:
  - id: course-1
    title: Calculus I
chapters:
  - id: chapter-1
    course_id: course-1
    title: Limits
lessons:
  - id: lesson-1
    chapter_id: chapter-1
    title: Intro
    video_asset_id: asset-1
assets:
  - id: asset-1
    manifest_key: hls/lesson-1/master.m3u8
    transcode_status: READY
enrollments:
  - learner_id: learner-1
    course_id: course-1
    status: ACTIVE
`

func newTestApplication(t *testing.T) *Application {
	t.Helper()

	dir := t.TempDir()
	seedPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0o600))

	mediaDir := filepath.Join(dir, "media")
	manifestPath := filepath.Join(mediaDir, "hls", "lesson-1", "master.m3u8")
	require.NoError(t, os.MkdirAll(filepath.Dir(manifestPath), 0o755))
	require.NoError(t, os.WriteFile(manifestPath, []byte("#EXTM3U\n"), 0o644))

	t.Setenv("LV_CONFIG_FILE", filepath.Join(dir, "absent.yaml"))
	t.Setenv("LV_SECURITY_AUTH_SECRET", testAuthSecret)
	t.Setenv("LV_PLAYBACK_GRANT_SECRET", testGrantSecret)
	t.Setenv("LV_PLAYBACK_WATERMARK_SECRET", "watermark-secret-watermark-secre")
	t.Setenv("LV_PLAYBACK_MEDIA_DIR", mediaDir)
	t.Setenv("LV_CATALOG_SEED_FILE", seedPath)
	t.Setenv("LV_LOGGING_OUTPUT", "console")
	t.Setenv("LV_LOGGING_LEVEL", "error")
	t.Setenv("LV_REDIS_ADDR", "")

	app, err := NewApplication()
	require.NoError(t, err)
	t.Cleanup(func() {
		app.Hub.Stop()
		if app.OTelProviders != nil {
			_ = app.OTelProviders.Shutdown(context.Background())
		}
	})
	return app
}

func mintTestIdentity(t *testing.T, learnerID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  learnerID,
		"role": "STUDENT",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAuthSecret))
	require.NoError(t, err)
	return token
}

func TestApplication_HealthEndpoint(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestApplication_GrantThenManifest(t *testing.T) {
	app := newTestApplication(t)
	identity := mintTestIdentity(t, "learner-1")

	req := httptest.NewRequest(http.MethodPost, "/api/student/lessons/lesson-1/playback-grant", nil)
	req.Header.Set("Authorization", "Bearer "+identity)
	req.Header.Set("X-Device-Fingerprint", "fp-integration")
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var issued grant.Grant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.NotEmpty(t, issued.Token)
	assert.Len(t, issued.WatermarkSeed, 16)
	assert.Equal(t, "course-1", issued.CourseID)

	// Follow the presigned locator the grant handed back.
	locatorPath := strings.TrimPrefix(issued.ManifestURL, "http://localhost:8080")
	manifestReq := httptest.NewRequest(http.MethodGet, locatorPath, nil)
	manifestReq.Header.Set("Authorization", "Bearer "+issued.Token)
	manifestReq.Header.Set("X-Device-Fingerprint", "fp-integration")
	manifestRec := httptest.NewRecorder()
	app.Router.ServeHTTP(manifestRec, manifestReq)

	require.Equal(t, http.StatusOK, manifestRec.Code, manifestRec.Body.String())
	assert.Contains(t, manifestRec.Body.String(), "#EXTM3U")
}

func TestApplication_GrantRequiresIdentity(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodPost, "/api/student/lessons/lesson-1/playback-grant", nil)
	req.Header.Set("X-Device-Fingerprint", "fp-integration")
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApplication_DeviceCeilingEndToEnd(t *testing.T) {
	app := newTestApplication(t)
	identity := mintTestIdentity(t, "learner-1")

	issue := func(fingerprint string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/student/lessons/lesson-1/playback-grant", nil)
		req.Header.Set("Authorization", "Bearer "+identity)
		req.Header.Set("X-Device-Fingerprint", fingerprint)
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, issue("fp-one").Code)
	require.Equal(t, http.StatusOK, issue("fp-two").Code)

	rec := issue("fp-three")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "device_limit")

	// Signing out one device frees the slot.
	del := httptest.NewRequest(http.MethodDelete, "/api/student/devices/fp-one", nil)
	del.Header.Set("Authorization", "Bearer "+identity)
	delRec := httptest.NewRecorder()
	app.Router.ServeHTTP(delRec, del)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	assert.Equal(t, http.StatusOK, issue("fp-three").Code)
}

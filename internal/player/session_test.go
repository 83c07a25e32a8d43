package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "lessonvault/internal/errors"
	"lessonvault/internal/grant"
)

type fakeRequester struct {
	grant *grant.Grant
	err   error

	mu          sync.Mutex
	fingerprint string
	calls       int
}

func (f *fakeRequester) RequestGrant(ctx context.Context, lessonID, fingerprint string) (*grant.Grant, error) {
	f.mu.Lock()
	f.fingerprint = fingerprint
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

func testGrant(expiresAt time.Time) *grant.Grant {
	return &grant.Grant{
		ManifestURL:   "https://media.example.com/api/media/manifest?key=k&exp=1&sig=s",
		Token:         "token",
		ExpiresAt:     expiresAt,
		WatermarkSeed: "a1b2c3d4e5f60718",
		CourseID:      "course-1",
	}
}

func TestSession_HappyPath(t *testing.T) {
	requester := &fakeRequester{grant: testGrant(time.Now().Add(45 * time.Minute))}

	s, err := NewSession(SessionConfig{Requester: requester})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StateRequesting, s.State())

	require.NoError(t, s.Start(context.Background(), "lesson-1"))
	assert.Equal(t, StatePlaying, s.State())
	require.NotNil(t, s.Grant())
	assert.Equal(t, "course-1", s.Grant().CourseID)

	overlay, err := s.Overlay()
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4e5f60718", overlay.Text)
}

func TestSession_DeniedRequestIsTerminal(t *testing.T) {
	requester := &fakeRequester{err: apierrors.ErrDeviceLimitExceeded}

	s, err := NewSession(SessionConfig{Requester: requester})
	require.NoError(t, err)
	defer s.Close()

	err = s.Start(context.Background(), "lesson-1")
	require.Error(t, err)
	assert.Equal(t, StateErrored, s.State())
	assert.True(t, errors.Is(s.Err(), apierrors.ErrDeviceLimitExceeded))

	// Terminal: no overlay, no recovery.
	_, err = s.Overlay()
	assert.Error(t, err)
}

func TestSession_WatchdogExpires(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	now := base

	expired := make(chan struct{})
	requester := &fakeRequester{grant: testGrant(base.Add(time.Minute))}

	s, err := NewSession(SessionConfig{
		Requester:    requester,
		PollInterval: 5 * time.Millisecond,
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		OnExpired: func() { close(expired) },
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), "lesson-1"))
	assert.Equal(t, StatePlaying, s.State())

	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
	assert.Equal(t, StateExpired, s.State())

	// Expired stays expired.
	_, err = s.Overlay()
	assert.Error(t, err)
}

func TestSession_StreamingFatalIsTerminal(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	now := base

	expired := make(chan struct{})
	requester := &fakeRequester{grant: testGrant(base.Add(time.Minute))}

	s, err := NewSession(SessionConfig{
		Requester:    requester,
		PollInterval: 5 * time.Millisecond,
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		OnExpired: func() { close(expired) },
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), "lesson-1"))
	require.Equal(t, StatePlaying, s.State())

	cause := errors.New("manifest segment load failed")
	s.ReportFatal(cause)

	assert.Equal(t, StateErrored, s.State())
	assert.True(t, errors.Is(s.Err(), ErrStreamingFatal))
	assert.True(t, errors.Is(s.Err(), cause))

	// Terminal: no overlay, no recovery.
	_, err = s.Overlay()
	assert.Error(t, err)

	// The watchdog stopped, so passing the expiry never flips the state.
	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()

	select {
	case <-expired:
		t.Fatal("watchdog fired after fatal error")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateErrored, s.State())

	// Repeat reports keep the first cause.
	s.ReportFatal(errors.New("later failure"))
	assert.True(t, errors.Is(s.Err(), cause))
}

func TestSession_DegradedFingerprint(t *testing.T) {
	requester := &fakeRequester{grant: testGrant(time.Now().Add(45 * time.Minute))}

	// A store pointing at an unwritable location never loads, and empty
	// signals make computation impossible.
	s, err := NewSession(SessionConfig{
		Requester:   requester,
		Fingerprint: NewFileStore(t.TempDir() + "/missing/fp"),
		Signals:     Signals{},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), "lesson-1"))
	assert.Equal(t, StatePlaying, s.State())
	assert.Empty(t, requester.fingerprint, "degraded session sends no fingerprint")

	// Degradation pins the overlay, it never removes it.
	overlay, err := s.Overlay()
	require.NoError(t, err)
	assert.Equal(t, 0.4, overlay.Opacity)
	assert.Equal(t, "a1b2c3d4e5f60718", overlay.Text)
}

func TestSession_FingerprintSentWhenAvailable(t *testing.T) {
	requester := &fakeRequester{grant: testGrant(time.Now().Add(45 * time.Minute))}

	s, err := NewSession(SessionConfig{
		Requester:   requester,
		Fingerprint: NewFileStore(t.TempDir() + "/fp"),
		Signals: Signals{
			UserAgent:      "agent/1.0",
			Locale:         "en-US",
			ScreenWidth:    1920,
			ScreenHeight:   1080,
			TimezoneOffset: -180,
		},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), "lesson-1"))
	assert.Len(t, requester.fingerprint, 32)
}

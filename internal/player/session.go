package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lessonvault/internal/grant"
	"lessonvault/internal/watermark"
)

// State is the playback session lifecycle state.
type State int

const (
	// StateRequesting covers fingerprint collection and the grant request.
	StateRequesting State = iota
	// StatePlaying means a live grant is held and media may render.
	StatePlaying
	// StateExpired is terminal: the grant lapsed and the learner must start
	// a new session explicitly.
	StateExpired
	// StateErrored is terminal: the grant request was denied or failed.
	StateErrored
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StatePlaying:
		return "playing"
	case StateExpired:
		return "expired"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// terminal reports whether no further transitions are allowed.
func (s State) terminal() bool {
	return s == StateExpired || s == StateErrored
}

// ErrStreamingFatal marks media-layer failures the renderer cannot recover
// from: a manifest that will not load, or a fatal streaming error.
var ErrStreamingFatal = errors.New("fatal streaming error")

// GrantRequester obtains a playback grant. An empty fingerprint marks a
// degraded device; the server decides whether to admit it.
type GrantRequester interface {
	RequestGrant(ctx context.Context, lessonID, fingerprint string) (*grant.Grant, error)
}

// expiryPollInterval is how often the watchdog compares the wall clock with
// the grant expiry.
const expiryPollInterval = 5 * time.Second

// SessionConfig wires a Session's dependencies.
type SessionConfig struct {
	Requester    GrantRequester
	Fingerprint  *FileStore
	Signals      Signals
	Logger       *slog.Logger
	// OnExpired fires once when the watchdog detects expiry.
	OnExpired func()
	// PollInterval overrides the expiry watchdog cadence. Test use only.
	PollInterval time.Duration
	// Clock overrides the time source. Test use only.
	Clock func() time.Time
}

// Session drives one lesson playback attempt through the state machine
// Requesting -> Playing -> (Expired | Errored). Terminal states are never
// left; recovery is always an explicit new Session.
type Session struct {
	cfg SessionConfig

	mu        sync.Mutex
	state     State
	grant     *grant.Grant
	startedAt time.Time
	err       error
	scheduler *watermark.Scheduler
	degraded  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session in StateRequesting.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Requester == nil {
		return nil, errors.New("player: grant requester is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = expiryPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Session{
		cfg:   cfg,
		state: StateRequesting,
		done:  make(chan struct{}),
	}, nil
}

// Start collects the fingerprint, requests the grant and, on success,
// transitions to StatePlaying and launches the expiry watchdog. A denied or
// failed request transitions to StateErrored and returns the cause.
func (s *Session) Start(ctx context.Context, lessonID string) error {
	fingerprint := ""
	if s.cfg.Fingerprint != nil {
		fp, err := s.cfg.Fingerprint.LoadOrCreate(s.cfg.Signals)
		switch {
		case err == nil:
			fingerprint = fp
		case errors.Is(err, ErrFingerprintUnavailable):
			// Degraded device. Proceed without a fingerprint and render
			// the static watermark.
			s.cfg.Logger.Warn("proceeding without device fingerprint",
				slog.String("lesson_id", lessonID))
			s.setDegraded()
		default:
			s.fail(err)
			return err
		}
	}

	g, err := s.cfg.Requester.RequestGrant(ctx, lessonID, fingerprint)
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return s.err
	}
	s.state = StatePlaying
	s.grant = g
	s.startedAt = s.cfg.Clock()
	s.scheduler = watermark.NewScheduler(g.WatermarkSeed, "")
	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.cfg.Logger.Info("playback session started",
		slog.String("lesson_id", lessonID),
		slog.Time("expires_at", g.ExpiresAt))

	go s.watchExpiry(watchCtx, g.ExpiresAt)
	return nil
}

// watchExpiry polls the wall clock against the grant expiry. Clients never
// receive an expiry push; enforcement is this loop plus the media edge
// rejecting stale locators.
func (s *Session) watchExpiry(ctx context.Context, expiresAt time.Time) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.cfg.Clock().Before(expiresAt) {
				s.expire()
				return
			}
		}
	}
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateExpired
	s.mu.Unlock()

	s.cfg.Logger.Info("playback session expired")
	if s.cfg.OnExpired != nil {
		s.cfg.OnExpired()
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = StateErrored
	s.err = err
}

// ReportFatal terminates the session after a fatal media-layer error. The
// session moves to StateErrored, the expiry watchdog stops, and Err wraps the
// cause in ErrStreamingFatal. Recovery means starting a new session. Calls in
// a terminal state are ignored.
func (s *Session) ReportFatal(cause error) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	if cause != nil {
		s.err = fmt.Errorf("%w: %w", ErrStreamingFatal, cause)
	} else {
		s.err = ErrStreamingFatal
	}
	err := s.err
	cancel := s.cancel
	s.mu.Unlock()

	s.cfg.Logger.Error("playback session terminated by streaming error",
		slog.String("error", err.Error()))
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = true
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of StateErrored, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Grant returns the held grant, nil before StatePlaying.
func (s *Session) Grant() *grant.Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant
}

// Overlay returns the watermark overlay for the current playback instant.
// Degraded sessions get the static overlay. Only valid in StatePlaying.
func (s *Session) Overlay() (watermark.Overlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying || s.scheduler == nil {
		return watermark.Overlay{}, fmt.Errorf("no overlay in state %s", s.state)
	}
	if s.degraded {
		return s.scheduler.Static(), nil
	}
	return s.scheduler.OverlayAt(s.cfg.Clock().Sub(s.startedAt)), nil
}

// Close stops the expiry watchdog. It does not change the session state.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.done
	}
}

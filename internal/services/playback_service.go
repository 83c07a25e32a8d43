package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lessonvault/internal/catalog"
	apierrors "lessonvault/internal/errors"
	"lessonvault/internal/grant"
	"lessonvault/internal/infrastructure"
	"lessonvault/internal/registry"
)

// RevocationNotifier pushes a revocation signal to a device's live player so
// it can stop rendering instead of waiting for its next manifest fetch.
type RevocationNotifier interface {
	NotifyRevoked(learnerID, fingerprint, reason string)
}

// PlaybackService issues device-bound playback grants and authorizes
// manifest fetches against them.
type PlaybackService interface {
	// IssueGrant runs the full issuance pipeline for one lesson request.
	// An empty fingerprint marks a degraded client device.
	IssueGrant(ctx context.Context, learnerID, lessonID, fingerprint string) (*grant.Grant, error)

	// AuthorizeManifest validates a manifest fetch: the presigned locator,
	// the grant token, the device binding, and the session's liveness in
	// the registry. Returns the manifest key to serve.
	AuthorizeManifest(ctx context.Context, token, fingerprint string, query url.Values) (string, error)
}

// PlaybackConfig carries the issuance policy.
type PlaybackConfig struct {
	WatermarkSecret      []byte
	AllowAnonymousDevice bool
}

type playbackService struct {
	catalog  *catalog.Store
	registry registry.Store
	minter   *grant.Minter
	signer   *grant.ManifestSigner
	notifier RevocationNotifier
	cfg      PlaybackConfig
	logger   *slog.Logger
	metrics  *infrastructure.BusinessMetrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPlaybackService creates the playback service. Notifier, metrics and
// tracer may be nil.
func NewPlaybackService(
	cat *catalog.Store,
	reg registry.Store,
	minter *grant.Minter,
	signer *grant.ManifestSigner,
	notifier RevocationNotifier,
	cfg PlaybackConfig,
	logger *slog.Logger,
	metrics *infrastructure.BusinessMetrics,
	tracer trace.Tracer,
) PlaybackService {
	if logger == nil {
		logger = slog.Default()
	}
	return &playbackService{
		catalog:  cat,
		registry: reg,
		minter:   minter,
		signer:   signer,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		now:      time.Now,
	}
}

func (s *playbackService) IssueGrant(ctx context.Context, learnerID, lessonID, fingerprint string) (*grant.Grant, error) {
	start := s.now()
	traceID := middleware.GetReqID(ctx)

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "playback.issue_grant",
			trace.WithAttributes(
				attribute.String("lesson.id", lessonID),
			))
		defer span.End()
	}

	if fingerprint == "" {
		if !s.cfg.AllowAnonymousDevice {
			s.denied(ctx, "fingerprint_required")
			return nil, apierrors.ErrFingerprintRequired
		}
		// Degraded devices share one registry identity per learner, so
		// they occupy exactly one slot instead of escaping the ceiling.
		fingerprint = "anonymous:" + learnerID
	}

	// Entitlement gate: lesson -> chapter -> course, then the learner's
	// enrollment in that course.
	courseID, err := s.catalog.CourseIDForLesson(lessonID)
	if err != nil {
		s.denied(ctx, "lesson_not_found")
		return nil, err
	}

	if !s.catalog.IsActivelyEnrolled(learnerID, courseID) {
		s.logger.InfoContext(ctx, "grant denied: learner not entitled",
			slog.String("trace_id", traceID),
			slog.String("lesson_id", lessonID),
			slog.String("course_id", courseID),
		)
		s.denied(ctx, "not_entitled")
		return nil, fmt.Errorf("course %s: %w", courseID, apierrors.ErrNotEntitled)
	}

	lesson, err := s.catalog.Lesson(lessonID)
	if err != nil {
		s.denied(ctx, "lesson_not_found")
		return nil, err
	}
	asset, ok := s.catalog.Asset(lesson.VideoAssetID)
	if !ok || asset.TranscodeStatus != catalog.TranscodeReady {
		s.logger.InfoContext(ctx, "grant denied: asset not ready",
			slog.String("trace_id", traceID),
			slog.String("lesson_id", lessonID),
			slog.String("asset_id", lesson.VideoAssetID),
		)
		s.denied(ctx, "asset_not_ready")
		return nil, fmt.Errorf("asset for lesson %s: %w", lessonID, apierrors.ErrAssetNotReady)
	}

	// Device ceiling. Registration is atomic per learner; a same-device
	// retry refreshes in place.
	result, err := s.registry.Register(ctx, learnerID, fingerprint, lessonID)
	if err != nil {
		if capErr := asCapacityError(err); capErr != nil {
			s.logger.InfoContext(ctx, "grant denied: device limit reached",
				slog.String("trace_id", traceID),
				slog.String("lesson_id", lessonID),
				slog.Int("device_limit", capErr.Limit),
				slog.Int("active_devices", capErr.ActiveDevices),
			)
			if s.metrics != nil {
				s.metrics.DeviceLimitRejections.Add(ctx, 1)
			}
			s.denied(ctx, "device_limit")
			return nil, capErr
		}
		return nil, fmt.Errorf("register device session: %w", err)
	}

	if result.Evicted != nil && s.notifier != nil {
		s.notifier.NotifyRevoked(learnerID, result.Evicted.Fingerprint, "evicted")
	}

	// The seed is keyed on the session's issuance instant, which a refresh
	// preserves, so a re-issued grant keeps its overlay schedule.
	seed, err := grant.DeriveSeed(s.cfg.WatermarkSecret, learnerID, lessonID, result.Session.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("derive watermark seed: %w", err)
	}

	token, expiresAt, err := s.minter.Mint(learnerID, lessonID, courseID, fingerprint, seed, s.now())
	if err != nil {
		return nil, fmt.Errorf("mint grant token: %w", err)
	}

	manifestURL, err := s.signer.SignURL(asset.ManifestKey, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign manifest url: %w", err)
	}

	s.logger.InfoContext(ctx, "playback grant issued",
		slog.String("trace_id", traceID),
		slog.String("lesson_id", lessonID),
		slog.String("course_id", courseID),
		slog.Bool("refreshed", result.Refreshed),
		slog.Bool("evicted_other", result.Evicted != nil),
		slog.Time("expires_at", expiresAt),
	)

	if s.metrics != nil {
		s.metrics.GrantIssuedTotal.Add(ctx, 1)
		s.metrics.GrantIssuanceDuration.Record(ctx, time.Since(start).Seconds())
		if result.Refreshed {
			s.metrics.SessionRefreshes.Add(ctx, 1)
		} else {
			s.metrics.SessionRegistrations.Add(ctx, 1)
		}
	}

	return &grant.Grant{
		ManifestURL:   manifestURL,
		Token:         token,
		ExpiresAt:     expiresAt,
		WatermarkSeed: seed,
		CourseID:      courseID,
	}, nil
}

func (s *playbackService) AuthorizeManifest(ctx context.Context, token, fingerprint string, query url.Values) (string, error) {
	traceID := middleware.GetReqID(ctx)

	manifestKey, err := s.signer.VerifyQuery(query, s.now())
	if err != nil {
		s.manifestDenied(ctx, "bad_locator")
		return "", err
	}

	claims, err := s.minter.Verify(token)
	if err != nil {
		s.manifestDenied(ctx, "bad_token")
		return "", err
	}

	if fingerprint != "" && !claims.BoundTo(fingerprint) {
		s.logger.WarnContext(ctx, "manifest fetch from foreign device",
			slog.String("trace_id", traceID),
			slog.String("lesson_id", claims.LessonID),
		)
		s.manifestDenied(ctx, "device_mismatch")
		return "", fmt.Errorf("%w: token bound to another device", apierrors.ErrInvalidGrantToken)
	}

	// A valid token whose session has been revoked out from under it is
	// gone, not unauthorized: the client should stop retrying.
	sessions, err := s.registry.Sessions(ctx, claims.LearnerID)
	if err != nil {
		return "", fmt.Errorf("check session liveness: %w", err)
	}
	live := false
	for _, sess := range sessions {
		if grant.HashFingerprint(sess.Fingerprint) == claims.FingerprintHash {
			live = true
			break
		}
	}
	if !live {
		s.manifestDenied(ctx, "revoked")
		return "", fmt.Errorf("session for lesson %s: %w", claims.LessonID, apierrors.ErrGrantRevoked)
	}

	return manifestKey, nil
}

func (s *playbackService) denied(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.GrantDeniedTotal.Add(ctx, 1)
	}
	infrastructure.AddSpanEvent(ctx, "grant_denied", map[string]interface{}{"reason": reason})
}

func (s *playbackService) manifestDenied(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.ManifestAccessDenied.Add(ctx, 1)
	}
	infrastructure.AddSpanEvent(ctx, "manifest_denied", map[string]interface{}{"reason": reason})
}

func asCapacityError(err error) *registry.CapacityError {
	var capErr *registry.CapacityError
	if errors.As(err, &capErr) {
		return capErr
	}
	return nil
}

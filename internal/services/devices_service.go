package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"lessonvault/internal/infrastructure"
	"lessonvault/internal/registry"
)

// DeviceView is the learner-facing shape of one registered device.
type DeviceView struct {
	Fingerprint string    `json:"fingerprint"`
	LessonID    string    `json:"lesson_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DevicesService lets a learner inspect and sign out their registered
// devices, and lets account suspension clear them all.
type DevicesService interface {
	ListDevices(ctx context.Context, learnerID string) ([]DeviceView, error)
	RevokeDevice(ctx context.Context, learnerID, fingerprint string) error
	RevokeAllDevices(ctx context.Context, learnerID string) (int, error)
}

type devicesService struct {
	registry registry.Store
	notifier RevocationNotifier
	logger   *slog.Logger
	metrics  *infrastructure.BusinessMetrics
}

// NewDevicesService creates the devices service. Notifier and metrics may
// be nil.
func NewDevicesService(reg registry.Store, notifier RevocationNotifier, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) DevicesService {
	if logger == nil {
		logger = slog.Default()
	}
	return &devicesService{
		registry: reg,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *devicesService) ListDevices(ctx context.Context, learnerID string) ([]DeviceView, error) {
	sessions, err := s.registry.Sessions(ctx, learnerID)
	if err != nil {
		return nil, err
	}

	views := make([]DeviceView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, DeviceView{
			Fingerprint: sess.Fingerprint,
			LessonID:    sess.LessonID,
			IssuedAt:    sess.IssuedAt,
			ExpiresAt:   sess.ExpiresAt,
		})
	}
	return views, nil
}

func (s *devicesService) RevokeDevice(ctx context.Context, learnerID, fingerprint string) error {
	if err := s.registry.Revoke(ctx, learnerID, fingerprint); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "device session revoked",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.String("fingerprint", fingerprint),
	)
	if s.metrics != nil {
		s.metrics.SessionRevocations.Add(ctx, 1)
	}
	if s.notifier != nil {
		s.notifier.NotifyRevoked(learnerID, fingerprint, "signed_out")
	}
	return nil
}

func (s *devicesService) RevokeAllDevices(ctx context.Context, learnerID string) (int, error) {
	sessions, err := s.registry.Sessions(ctx, learnerID)
	if err != nil {
		return 0, err
	}

	removed, err := s.registry.RevokeAll(ctx, learnerID)
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "all device sessions revoked",
		slog.String("trace_id", middleware.GetReqID(ctx)),
		slog.Int("removed", removed),
	)
	if s.metrics != nil {
		s.metrics.SessionRevocations.Add(ctx, int64(removed))
	}
	if s.notifier != nil {
		for _, sess := range sessions {
			s.notifier.NotifyRevoked(learnerID, sess.Fingerprint, "suspended")
		}
	}
	return removed, nil
}

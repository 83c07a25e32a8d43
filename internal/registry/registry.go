// Package registry is the authoritative bookkeeper of live device sessions.
// It enforces the per-learner concurrent-device ceiling: at no instant may a
// learner hold unexpired sessions on more distinct device fingerprints than
// the configured limit. Two backends exist, an in-memory store and a Redis
// store; both make the capacity check-and-register sequence atomic per
// learner.
package registry

import (
	"context"
	"fmt"
	"time"

	apierrors "lessonvault/internal/errors"
)

// DeviceSession records that one device holds a live playback session for a
// learner. A new grant for the same (learner, fingerprint) pair supersedes
// the session in place rather than accumulating a second one.
type DeviceSession struct {
	LearnerID   string    `json:"learner_id"`
	Fingerprint string    `json:"fingerprint"`
	LessonID    string    `json:"lesson_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Live reports whether the session is unexpired at the given instant.
func (s DeviceSession) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// EvictionPolicy decides what happens when a learner at the ceiling
// registers a new device.
type EvictionPolicy int

const (
	// EvictNever denies the registration; the learner must explicitly sign
	// out another device. This is the default: silent eviction terminates
	// playback on another device without warning.
	EvictNever EvictionPolicy = iota
	// EvictLRU admits the new device by evicting the session with the
	// earliest expiry. Since the TTL is a fixed constant, the earliest
	// expiry is the least recently issued or refreshed session.
	EvictLRU
)

// Config carries the registry policy constants.
type Config struct {
	DeviceLimit int
	TTL         time.Duration
	Policy      EvictionPolicy
}

// RegisterResult reports the outcome of a successful registration.
type RegisterResult struct {
	Session DeviceSession
	// Refreshed is true when the (learner, fingerprint) pair already held a
	// live session and only its expiry moved forward.
	Refreshed bool
	// Evicted is the session removed to make room, when the LRU policy is
	// active. Nil otherwise.
	Evicted *DeviceSession
}

// CapacityError is returned by Register when the learner is at the device
// ceiling and the policy is EvictNever.
type CapacityError struct {
	Limit          int
	ActiveDevices  int
	OldestIssuedAt time.Time
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("device limit exceeded: %d of %d devices hold live sessions", e.ActiveDevices, e.Limit)
}

// Unwrap lets errors.Is match the domain sentinel.
func (e *CapacityError) Unwrap() error {
	return apierrors.ErrDeviceLimitExceeded
}

// Store is the device-session registry contract. Implementations must make
// Register atomic per learner: two racing registrations for the same learner
// must never both observe a free slot and both succeed past the ceiling.
// All read paths exclude expired sessions regardless of whether Sweep has
// run (lazy expiry).
type Store interface {
	// Register creates or refreshes a session. It fails with *CapacityError
	// when the learner already holds DeviceLimit live sessions on distinct
	// fingerprints and this fingerprint is not among them.
	Register(ctx context.Context, learnerID, fingerprint, lessonID string) (*RegisterResult, error)

	// Revoke removes one session immediately. Returns ErrSessionNotFound
	// when no live session exists for the pair.
	Revoke(ctx context.Context, learnerID, fingerprint string) error

	// RevokeAll removes every session a learner holds and returns the
	// removed count. Used by account suspension.
	RevokeAll(ctx context.Context, learnerID string) (int, error)

	// Sessions lists the learner's live sessions.
	Sessions(ctx context.Context, learnerID string) ([]DeviceSession, error)

	// CountLive returns the number of distinct fingerprints with live
	// sessions. Never counts expired entries.
	CountLive(ctx context.Context, learnerID string) (int, error)

	// Sweep removes expired sessions and returns the removed count. Safe to
	// call concurrently with any other operation.
	Sweep(ctx context.Context) (int, error)
}

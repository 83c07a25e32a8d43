package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	apierrors "lessonvault/internal/errors"
)

// MemoryStore is the default, process-local registry backend. Each learner
// owns a bucket with its own mutex, so registrations for different learners
// proceed in parallel while the capacity check-and-register for one learner
// is a single critical section.
type MemoryStore struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[string]*learnerBucket

	// now is swappable for tests.
	now func() time.Time
}

type learnerBucket struct {
	mu       sync.Mutex
	sessions map[string]DeviceSession // keyed by fingerprint
	gone     bool                     // set by Sweep when it drops an empty bucket
}

// NewMemoryStore creates an in-memory registry with the given policy.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:     cfg,
		buckets: make(map[string]*learnerBucket),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.now = now
}

// lockBucket returns the learner's bucket with its mutex held, creating the
// bucket if needed. Retries when a sweep dropped the bucket in between.
func (m *MemoryStore) lockBucket(learnerID string) *learnerBucket {
	for {
		m.mu.RLock()
		b, ok := m.buckets[learnerID]
		m.mu.RUnlock()

		if !ok {
			m.mu.Lock()
			if b, ok = m.buckets[learnerID]; !ok {
				b = &learnerBucket{sessions: make(map[string]DeviceSession)}
				m.buckets[learnerID] = b
			}
			m.mu.Unlock()
		}

		b.mu.Lock()
		if !b.gone {
			return b
		}
		b.mu.Unlock()
	}
}

// peekBucket returns the learner's bucket with its mutex held, or nil when
// the learner has none. Read and revoke paths never create buckets, so the
// bucket map only holds learners that actually registered a device.
func (m *MemoryStore) peekBucket(learnerID string) *learnerBucket {
	m.mu.RLock()
	b, ok := m.buckets[learnerID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	b.mu.Lock()
	if b.gone {
		b.mu.Unlock()
		return nil
	}
	return b
}

// pruneLocked drops expired sessions from a bucket. Caller holds b.mu.
func (b *learnerBucket) pruneLocked(now time.Time) {
	for fp, sess := range b.sessions {
		if !sess.Live(now) {
			delete(b.sessions, fp)
		}
	}
}

// Register implements Store.
func (m *MemoryStore) Register(ctx context.Context, learnerID, fingerprint, lessonID string) (*RegisterResult, error) {
	if learnerID == "" || fingerprint == "" {
		return nil, fmt.Errorf("register: learner and fingerprint are required")
	}

	b := m.lockBucket(learnerID)
	defer b.mu.Unlock()

	now := m.now()
	b.pruneLocked(now)

	session := DeviceSession{
		LearnerID:   learnerID,
		Fingerprint: fingerprint,
		LessonID:    lessonID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.cfg.TTL),
	}

	// Same device re-requesting a grant refreshes in place and never
	// consumes a second slot.
	if existing, ok := b.sessions[fingerprint]; ok {
		session.IssuedAt = existing.IssuedAt
		b.sessions[fingerprint] = session
		return &RegisterResult{Session: session, Refreshed: true}, nil
	}

	if len(b.sessions) < m.cfg.DeviceLimit {
		b.sessions[fingerprint] = session
		return &RegisterResult{Session: session}, nil
	}

	// At the ceiling on distinct fingerprints.
	oldest := oldestSession(b.sessions)

	if m.cfg.Policy == EvictLRU {
		evicted := b.sessions[oldest.Fingerprint]
		delete(b.sessions, oldest.Fingerprint)
		b.sessions[fingerprint] = session
		return &RegisterResult{Session: session, Evicted: &evicted}, nil
	}

	return nil, &CapacityError{
		Limit:          m.cfg.DeviceLimit,
		ActiveDevices:  len(b.sessions),
		OldestIssuedAt: oldest.IssuedAt,
	}
}

// oldestSession returns the session with the earliest expiry.
func oldestSession(sessions map[string]DeviceSession) DeviceSession {
	var oldest DeviceSession
	first := true
	for _, sess := range sessions {
		if first || sess.ExpiresAt.Before(oldest.ExpiresAt) {
			oldest = sess
			first = false
		}
	}
	return oldest
}

// Revoke implements Store.
func (m *MemoryStore) Revoke(ctx context.Context, learnerID, fingerprint string) error {
	b := m.peekBucket(learnerID)
	if b == nil {
		return fmt.Errorf("revoke %s/%s: %w", learnerID, fingerprint, apierrors.ErrSessionNotFound)
	}
	defer b.mu.Unlock()

	b.pruneLocked(m.now())

	if _, ok := b.sessions[fingerprint]; !ok {
		return fmt.Errorf("revoke %s/%s: %w", learnerID, fingerprint, apierrors.ErrSessionNotFound)
	}
	delete(b.sessions, fingerprint)
	return nil
}

// RevokeAll implements Store.
func (m *MemoryStore) RevokeAll(ctx context.Context, learnerID string) (int, error) {
	b := m.peekBucket(learnerID)
	if b == nil {
		return 0, nil
	}
	defer b.mu.Unlock()

	b.pruneLocked(m.now())

	n := len(b.sessions)
	b.sessions = make(map[string]DeviceSession)
	return n, nil
}

// Sessions implements Store.
func (m *MemoryStore) Sessions(ctx context.Context, learnerID string) ([]DeviceSession, error) {
	b := m.peekBucket(learnerID)
	if b == nil {
		return nil, nil
	}
	defer b.mu.Unlock()

	now := m.now()
	out := make([]DeviceSession, 0, len(b.sessions))
	for _, sess := range b.sessions {
		if sess.Live(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// CountLive implements Store.
func (m *MemoryStore) CountLive(ctx context.Context, learnerID string) (int, error) {
	b := m.peekBucket(learnerID)
	if b == nil {
		return 0, nil
	}
	defer b.mu.Unlock()

	now := m.now()
	count := 0
	for _, sess := range b.sessions {
		if sess.Live(now) {
			count++
		}
	}
	return count, nil
}

// Sweep implements Store.
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	m.mu.RLock()
	buckets := make([]*learnerBucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, b)
	}
	m.mu.RUnlock()

	now := m.now()
	removed := 0
	for _, b := range buckets {
		b.mu.Lock()
		for fp, sess := range b.sessions {
			if !sess.Live(now) {
				delete(b.sessions, fp)
				removed++
			}
		}
		b.mu.Unlock()
	}

	// Drop emptied buckets so the map only grows with learners that hold
	// live sessions. Marking the bucket gone makes a racing lockBucket
	// retry instead of registering into an orphaned bucket.
	m.mu.Lock()
	for id, b := range m.buckets {
		b.mu.Lock()
		if len(b.sessions) == 0 {
			b.gone = true
			delete(m.buckets, id)
		}
		b.mu.Unlock()
	}
	m.mu.Unlock()

	return removed, nil
}

package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore exposes how much the sweeper actually removed, since the
// lazy-expiry read paths hide expired sessions either way.
type recordingStore struct {
	*MemoryStore
	sweeps  atomic.Int64
	removed atomic.Int64
}

func (r *recordingStore) Sweep(ctx context.Context) (int, error) {
	n, err := r.MemoryStore.Sweep(ctx)
	r.sweeps.Add(1)
	r.removed.Add(int64(n))
	return n, err
}

func TestSweeperRemovesExpiredSessions(t *testing.T) {
	store := &recordingStore{MemoryStore: NewMemoryStore(Config{DeviceLimit: 2, TTL: time.Minute})}

	var mu sync.Mutex
	now := time.Now()
	store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	ctx := context.Background()
	_, err := store.Register(ctx, "learner-1", "fp-a", "lesson-1")
	require.NoError(t, err)
	_, err = store.Register(ctx, "learner-2", "fp-b", "lesson-1")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := NewSweeper(store, 5*time.Millisecond, logger, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(runCtx) }()

	assert.Eventually(t, func() bool {
		return store.removed.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}

	// Ticks keep coming; sweeps after the first find nothing new.
	assert.GreaterOrEqual(t, store.sweeps.Load(), int64(1))
	assert.Equal(t, int64(2), store.removed.Load())
}

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "lessonvault/internal/errors"
)

func newTestRedisStore(t *testing.T, policy EvictionPolicy) (*RedisStore, *time.Time) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, testConfig(policy))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	return store, &now
}

func TestRedisStore_RegisterRefreshAndCeiling(t *testing.T) {
	store, now := newTestRedisStore(t, EvictNever)
	ctx := context.Background()
	base := *now

	first, err := store.Register(ctx, "learner-1", "fp-a", "lesson-1")
	require.NoError(t, err)
	assert.False(t, first.Refreshed)

	*now = base.Add(5 * time.Minute)
	refreshed, err := store.Register(ctx, "learner-1", "fp-a", "lesson-2")
	require.NoError(t, err)
	assert.True(t, refreshed.Refreshed)
	assert.Equal(t, first.Session.IssuedAt, refreshed.Session.IssuedAt)

	count, err := store.CountLive(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	*now = base.Add(6 * time.Minute)
	_, err = store.Register(ctx, "learner-1", "fp-b", "lesson-1")
	require.NoError(t, err)

	*now = base.Add(7 * time.Minute)
	_, err = store.Register(ctx, "learner-1", "fp-c", "lesson-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierrors.ErrDeviceLimitExceeded))

	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 2, capErr.Limit)
	assert.Equal(t, 2, capErr.ActiveDevices)
	assert.Equal(t, base, capErr.OldestIssuedAt)
}

func TestRedisStore_LRUEvictsOldest(t *testing.T) {
	store, now := newTestRedisStore(t, EvictLRU)
	ctx := context.Background()
	base := *now

	_, err := store.Register(ctx, "learner-1", "fp-a", "lesson-1")
	require.NoError(t, err)

	*now = base.Add(time.Minute)
	_, err = store.Register(ctx, "learner-1", "fp-b", "lesson-1")
	require.NoError(t, err)

	*now = base.Add(2 * time.Minute)
	res, err := store.Register(ctx, "learner-1", "fp-c", "lesson-1")
	require.NoError(t, err)
	require.NotNil(t, res.Evicted)
	assert.Equal(t, "fp-a", res.Evicted.Fingerprint)
	assert.Equal(t, base, res.Evicted.IssuedAt)

	sessions, err := store.Sessions(ctx, "learner-1")
	require.NoError(t, err)
	fps := make([]string, 0, len(sessions))
	for _, s := range sessions {
		fps = append(fps, s.Fingerprint)
	}
	assert.ElementsMatch(t, []string{"fp-b", "fp-c"}, fps)
}

func TestRedisStore_LazyExpiry(t *testing.T) {
	store, now := newTestRedisStore(t, EvictNever)
	ctx := context.Background()
	base := *now

	_, err := store.Register(ctx, "learner-1", "fp-a", "lesson-1")
	require.NoError(t, err)
	_, err = store.Register(ctx, "learner-1", "fp-b", "lesson-1")
	require.NoError(t, err)

	*now = base.Add(46 * time.Minute)

	count, err := store.CountLive(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Expired entries must not block new registrations.
	_, err = store.Register(ctx, "learner-1", "fp-c", "lesson-1")
	require.NoError(t, err)
	_, err = store.Register(ctx, "learner-1", "fp-d", "lesson-1")
	require.NoError(t, err)
}

func TestRedisStore_RevokeAndRevokeAll(t *testing.T) {
	store, _ := newTestRedisStore(t, EvictNever)
	ctx := context.Background()

	_, err := store.Register(ctx, "learner-1", "fp-a", "lesson-1")
	require.NoError(t, err)
	_, err = store.Register(ctx, "learner-1", "fp-b", "lesson-1")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, "learner-1", "fp-a"))

	err = store.Revoke(ctx, "learner-1", "fp-a")
	assert.True(t, errors.Is(err, apierrors.ErrSessionNotFound))

	removed, err := store.RevokeAll(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := store.CountLive(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRedisStore_Sweep(t *testing.T) {
	store, now := newTestRedisStore(t, EvictNever)
	ctx := context.Background()
	base := *now

	_, err := store.Register(ctx, "learner-1", "fp-a", "lesson-1")
	require.NoError(t, err)
	_, err = store.Register(ctx, "learner-2", "fp-b", "lesson-1")
	require.NoError(t, err)

	*now = base.Add(30 * time.Minute)
	_, err = store.Register(ctx, "learner-3", "fp-c", "lesson-1")
	require.NoError(t, err)

	*now = base.Add(46 * time.Minute)
	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := store.CountLive(ctx, "learner-3")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

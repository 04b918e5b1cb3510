package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLockWithClient(client), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "sched:job-1:100", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, tok)

	_, err = l.Acquire(ctx, "sched:job-1:100", 30*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	// A different key is independent.
	other, err := l.Acquire(ctx, "sched:job-1:200", 30*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, tok.HolderID, other.HolderID)
}

func TestReleaseFreesTheKey(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "sched:job-1:100", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, tok))

	// Key is free again for the next holder.
	_, err = l.Acquire(ctx, "sched:job-1:100", 30*time.Second)
	assert.NoError(t, err)
}

func TestReleaseOfExpiredLockReturnsNotHeld(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "sched:job-1:100", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	assert.ErrorIs(t, l.Release(ctx, tok), ErrNotHeld)
}

func TestReleaseDoesNotStealFromNewHolder(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "sched:job-1:100", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	// The key expired and someone else took it.
	fresh, err := l.Acquire(ctx, "sched:job-1:100", 30*time.Second)
	require.NoError(t, err)

	// The stale holder's release must not delete the new holder's lock.
	assert.ErrorIs(t, l.Release(ctx, stale), ErrNotHeld)
	assert.NoError(t, l.Release(ctx, fresh))
}

func TestExtendRefreshesTTLOnlyForOwner(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "sched:job-1:100", 2*time.Second)
	require.NoError(t, err)

	mr.FastForward(time.Second)
	require.NoError(t, l.Extend(ctx, tok, 5*time.Second))

	// Past the original TTL the lock still holds.
	mr.FastForward(3 * time.Second)
	_, err = l.Acquire(ctx, "sched:job-1:100", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	// An expired token cannot extend.
	mr.FastForward(10 * time.Second)
	assert.ErrorIs(t, l.Extend(ctx, tok, time.Second), ErrNotHeld)
}

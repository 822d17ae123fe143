package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noRetry = Retry{}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, WithRetry(noRetry)), mr
}

func TestRedisLockIsExclusive(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	held, err := l.Lock(ctx, "fleet:masterLock", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fleet:masterLock", held.Resource())
	assert.NotEmpty(t, held.Token())
	assert.True(t, held.Expiry().After(time.Now()))
	assert.True(t, held.Expiry().Before(time.Now().Add(2*time.Second)))

	got, err := mr.Get("fleet:masterLock")
	require.NoError(t, err)
	assert.Equal(t, held.Token(), got)

	_, err = l.Lock(ctx, "fleet:masterLock", 2*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestRedisLockExpires(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	held, err := l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	other, err := l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, held.Extend(ctx, time.Second), ErrNotHeld)
	assert.ErrorIs(t, held.Unlock(ctx), ErrNotHeld)
	require.NoError(t, other.Extend(ctx, time.Second))
}

func TestRedisExtendResetsTTL(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	held, err := l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)
	mr.FastForward(800 * time.Millisecond)
	require.NoError(t, held.Extend(ctx, time.Second))
	mr.FastForward(800 * time.Millisecond)

	assert.True(t, mr.Exists("r"))
	assert.Greater(t, mr.TTL("r"), time.Duration(0))
}

func TestRedisUnlockReleases(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	held, err := l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)
	require.NoError(t, held.Unlock(ctx))
	assert.False(t, mr.Exists("r"))

	_, err = l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)
}

func TestRedisLockRetriesUntilReleased(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedisLocker(client, WithRetry(Retry{Count: 5, Delay: 20 * time.Millisecond}))
	ctx := context.Background()

	held, err := l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		held.Unlock(ctx)
	}()

	_, err = l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)
}

func TestMemoryLockSingleWinner(t *testing.T) {
	l := NewMemoryLocker(noRetry)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Lock(ctx, "r", time.Second); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryLockExpiryAndExtend(t *testing.T) {
	l := NewMemoryLocker(noRetry)
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	held, err := l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)

	now = now.Add(800 * time.Millisecond)
	require.NoError(t, held.Extend(ctx, time.Second))

	now = now.Add(800 * time.Millisecond)
	_, err = l.Lock(ctx, "r", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	now = now.Add(time.Second)
	other, err := l.Lock(ctx, "r", time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, held.Extend(ctx, time.Second), ErrNotHeld)
	require.NoError(t, other.Unlock(ctx))
	assert.ErrorIs(t, other.Unlock(ctx), ErrNotHeld)
}

func TestRetryHonoursContext(t *testing.T) {
	l := NewMemoryLocker(Retry{Count: 100, Delay: time.Second})
	ctx := context.Background()
	_, err := l.Lock(ctx, "r", time.Minute)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(cctx, "r", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

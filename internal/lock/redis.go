package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var extendScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker holds locks as Redis keys set with NX and a PX expiry. The
// value is a random token so only the holder can extend or release.
type RedisLocker struct {
	client goredis.UniversalClient
	retry  Retry
	drift  float64
	logger *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithRetry sets the acquisition retry policy.
func WithRetry(r Retry) RedisOption {
	return func(l *RedisLocker) { l.retry = r }
}

// WithDriftFactor sets the clock drift factor.
func WithDriftFactor(f float64) RedisOption {
	return func(l *RedisLocker) { l.drift = f }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) RedisOption {
	return func(l *RedisLocker) { l.logger = log }
}

// NewRedisLocker creates a locker on client. The caller owns the client.
func NewRedisLocker(client goredis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		retry:  DefaultRetry,
		drift:  DefaultDriftFactor,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "lock", "backend", "redis")
	return l
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, resource string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	var start time.Time
	err := l.retry.do(ctx, func() (bool, error) {
		start = time.Now()
		ok, err := l.client.SetNX(ctx, resource, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to set lock %s: %w", resource, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLock{locker: l, resource: resource, token: token, expiry: validity(start, ttl, l.drift)}, nil
}

// Close implements Locker. The Redis client is left open.
func (l *RedisLocker) Close() error { return nil }

type redisLock struct {
	locker   *RedisLocker
	resource string
	token    string

	mu     sync.Mutex
	expiry time.Time
}

func (k *redisLock) Resource() string { return k.resource }
func (k *redisLock) Token() string    { return k.token }

func (k *redisLock) Expiry() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.expiry
}

func (k *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	start := time.Now()
	n, err := extendScript.Run(ctx, k.locker.client, []string{k.resource}, k.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", k.resource, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	k.mu.Lock()
	k.expiry = validity(start, ttl, k.locker.drift)
	k.mu.Unlock()
	return nil
}

func (k *redisLock) Unlock(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, k.locker.client, []string{k.resource}, k.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", k.resource, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

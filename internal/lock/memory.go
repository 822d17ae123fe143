package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a Locker for nodes sharing one process.
type MemoryLocker struct {
	retry Retry
	now   func() time.Time

	mu   sync.Mutex
	held map[string]memHold
}

type memHold struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker with the given retry policy.
func NewMemoryLocker(retry Retry) *MemoryLocker {
	return &MemoryLocker{retry: retry, now: time.Now, held: make(map[string]memHold)}
}

// Lock implements Locker.
func (l *MemoryLocker) Lock(ctx context.Context, resource string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	var start time.Time
	err := l.retry.do(ctx, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		start = l.now()
		if h, ok := l.held[resource]; ok && h.expires.After(start) {
			return false, nil
		}
		l.held[resource] = memHold{token: token, expires: start.Add(ttl)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memLock{locker: l, resource: resource, token: token, expiry: validity(start, ttl, DefaultDriftFactor)}, nil
}

// Close implements Locker.
func (l *MemoryLocker) Close() error { return nil }

// owned reports whether token still holds resource. Callers hold l.mu.
func (l *MemoryLocker) owned(resource, token string) bool {
	h, ok := l.held[resource]
	return ok && h.token == token && h.expires.After(l.now())
}

type memLock struct {
	locker   *MemoryLocker
	resource string
	token    string

	mu     sync.Mutex
	expiry time.Time
}

func (k *memLock) Resource() string { return k.resource }
func (k *memLock) Token() string    { return k.token }

func (k *memLock) Expiry() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.expiry
}

func (k *memLock) Extend(ctx context.Context, ttl time.Duration) error {
	l := k.locker
	l.mu.Lock()
	if !l.owned(k.resource, k.token) {
		l.mu.Unlock()
		return ErrNotHeld
	}
	start := l.now()
	l.held[k.resource] = memHold{token: k.token, expires: start.Add(ttl)}
	l.mu.Unlock()

	k.mu.Lock()
	k.expiry = validity(start, ttl, DefaultDriftFactor)
	k.mu.Unlock()
	return nil
}

func (k *memLock) Unlock(ctx context.Context) error {
	l := k.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.owned(k.resource, k.token) {
		return ErrNotHeld
	}
	delete(l.held, k.resource)
	return nil
}

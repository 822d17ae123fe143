// Package lock is the client side of the cluster's mutual-exclusion service.
// A Lock is held for a TTL and must be extended before it expires; the lock
// service, not the holder, decides when ownership ends.
package lock

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

var (
	// ErrNotAcquired is returned when the resource is held by someone else
	// after every attempt.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned by Extend and Unlock once the lock expired or
	// was taken over.
	ErrNotHeld = errors.New("lock is no longer held")
)

// Lock is one held lock.
type Lock interface {
	// Resource returns the locked resource name.
	Resource() string
	// Token returns the random value identifying this holder.
	Token() string
	// Expiry returns the time until which ownership is safe to assume.
	Expiry() time.Time
	// Extend resets the TTL. It fails with ErrNotHeld when the lock was lost.
	Extend(ctx context.Context, ttl time.Duration) error
	// Unlock releases the lock if still held.
	Unlock(ctx context.Context) error
}

// Locker acquires locks.
type Locker interface {
	Lock(ctx context.Context, resource string, ttl time.Duration) (Lock, error)
	Close() error
}

// Retry settings of a locker.
type Retry struct {
	Count  int           // attempts after the first
	Delay  time.Duration // base wait between attempts
	Jitter time.Duration // random extra wait, up to this much
}

// DefaultRetry matches the lock service client defaults.
var DefaultRetry = Retry{Count: 2, Delay: 200 * time.Millisecond, Jitter: 200 * time.Millisecond}

// DefaultDriftFactor is the share of the TTL assumed lost to clock drift.
const DefaultDriftFactor = 0.01

// do runs fn until it reports success, the retries run out or ctx ends.
func (r Retry) do(ctx context.Context, fn func() (bool, error)) error {
	for attempt := 0; ; attempt++ {
		ok, err := fn()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= r.Count {
			return ErrNotAcquired
		}

		wait := r.Delay
		if r.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(r.Jitter)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// validity is how long a lock acquired at start with ttl can be trusted.
func validity(start time.Time, ttl time.Duration, drift float64) time.Time {
	d := time.Duration(float64(ttl)*drift) + 2*time.Millisecond
	return start.Add(ttl - d)
}

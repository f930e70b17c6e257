// Package lock provides a TTL-bound mutual-exclusion token in the shared Redis store.
//
// Acquisition fails closed: when the store is unreachable the caller is told the
// lock was not acquired and is expected to skip its work. Release never fails the
// caller; by the time it runs the critical section is over.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is the subset of redisstore.Store the locker needs.
type Store interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
}

// Name identifies a lock. Build it with the key functions in keys.go.
type Name string

// Lock is a held token. Owner is unique per acquisition.
type Lock struct {
	Name     Name
	Owner    string
	Timeout  time.Duration
	Acquired bool
}

func (l *Lock) key() string { return storeKey(l.Name) }

func storeKey(n Name) string { return "lock:" + string(n) }

type Locker struct {
	store         Store
	logger        zerolog.Logger
	retryInterval time.Duration
}

type Option func(*Locker)

// WithLogger overrides the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(lk *Locker) { lk.logger = l }
}

// WithRetryInterval sets how often a blocking Acquire polls. Default 100ms.
func WithRetryInterval(d time.Duration) Option {
	return func(lk *Locker) {
		if d > 0 {
			lk.retryInterval = d
		}
	}
}

func NewLocker(store Store, opts ...Option) *Locker {
	lk := &Locker{store: store, logger: log.Logger, retryInterval: 100 * time.Millisecond}
	for _, o := range opts {
		o(lk)
	}
	return lk
}

// Acquire tries to take name for at most timeout. With blockingTimeout == 0 it
// returns immediately; otherwise it waits up to blockingTimeout for the holder.
// A nil result means not acquired, including when the store is unreachable.
func (lk *Locker) Acquire(ctx context.Context, name Name, timeout, blockingTimeout time.Duration) *Lock {
	if timeout <= 0 {
		panic(fmt.Sprintf("lock %q: timeout must be positive", name))
	}
	l := &Lock{Name: name, Owner: uuid.NewString(), Timeout: timeout}
	lg := lk.logger.With().Str("lock", l.key()).Logger()

	var deadline time.Time
	if blockingTimeout > 0 {
		deadline = time.Now().Add(blockingTimeout)
	}

	for {
		ok, err := lk.store.SetNX(ctx, l.key(), []byte(l.Owner), timeout)
		if err != nil {
			lg.Error().Err(err).Msg("error acquiring lock")
			return nil
		}
		if ok {
			l.Acquired = true
			lg.Debug().Msg("lock acquired")
			return l
		}
		if deadline.IsZero() || !time.Now().Before(deadline) {
			lg.Info().Msg("failed to acquire lock (already held)")
			return nil
		}

		wait := lk.retryInterval
		if rem := time.Until(deadline); rem < wait {
			wait = rem
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			lg.Info().Err(ctx.Err()).Msg("gave up waiting for lock")
			return nil
		case <-t.C:
		}
	}
}

// Release gives the lock back. Failures (expired token, store down) are logged only.
func (lk *Locker) Release(ctx context.Context, l *Lock) {
	if l == nil || !l.Acquired {
		return
	}
	lg := lk.logger.With().Str("lock", l.key()).Logger()

	// release even if the job's context was cancelled
	ctx = context.WithoutCancel(ctx)
	deleted, err := lk.store.CompareAndDelete(ctx, l.key(), []byte(l.Owner))
	l.Acquired = false
	if err != nil {
		lg.Warn().Err(err).Msg("failed to release lock")
		return
	}
	if !deleted {
		lg.Warn().Msg("lock expired before release")
		return
	}
	lg.Debug().Msg("lock released")
}

// WithLock runs fn while holding name. ran is false when the lock was not acquired;
// fn's error is returned unchanged.
func (lk *Locker) WithLock(ctx context.Context, name Name, timeout, blockingTimeout time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	l := lk.Acquire(ctx, name, timeout, blockingTimeout)
	if l == nil {
		return false, nil
	}
	defer lk.Release(ctx, l)
	return true, fn(ctx)
}

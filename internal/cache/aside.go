package cache

import (
	"context"
	"time"
)

// KeyFunc derives the cache key from an operation's arguments. Build one per
// call site so every argument that identifies the result is bound explicitly.
type KeyFunc[A any] func(args A) string

// Op is an operation whose result may be cached.
type Op[A, T any] func(ctx context.Context, args A) (T, error)

// Cacheable wraps fn with read-through caching: a hit returns the stored value
// without calling fn; a miss calls fn and stores a successful result for ttl.
// Errors from fn are returned and never cached.
func Cacheable[A, T any](c *Cache, key KeyFunc[A], ttl time.Duration, fn Op[A, T]) Op[A, T] {
	return func(ctx context.Context, args A) (T, error) {
		k := key(args)

		var cached T
		if c.Get(ctx, k, &cached) {
			c.record(true)
			return cached, nil
		}
		c.record(false)

		v, err := fn(ctx, args)
		if err != nil {
			return v, err
		}
		c.Set(ctx, k, v, ttl)
		return v, nil
	}
}

// CachePut always calls fn and, on success, stores its result at the key so
// subsequent Cacheable readers are served warm.
func CachePut[A, T any](c *Cache, key KeyFunc[A], ttl time.Duration, fn Op[A, T]) Op[A, T] {
	return func(ctx context.Context, args A) (T, error) {
		v, err := fn(ctx, args)
		if err != nil {
			return v, err
		}
		c.Set(ctx, key(args), v, ttl)
		return v, nil
	}
}

// CacheEvict always calls fn and, on success, deletes every listed key. Use it
// when the cached shape cannot be derived from fn's result.
func CacheEvict[A, T any](c *Cache, fn Op[A, T], keys ...KeyFunc[A]) Op[A, T] {
	return func(ctx context.Context, args A) (T, error) {
		v, err := fn(ctx, args)
		if err != nil {
			return v, err
		}
		resolved := make([]string, 0, len(keys))
		for _, k := range keys {
			resolved = append(resolved, k(args))
		}
		c.Delete(ctx, resolved...)
		return v, nil
	}
}

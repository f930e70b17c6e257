// Package cache implements cache-aside helpers over the shared Redis store.
//
// The cache is an optimization only. Every store error is logged and
// swallowed so the wrapped operation behaves as if the cache were absent.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/worklog/internal/store/redisstore"
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Recorder receives hit/miss notifications. *metrics.Collector satisfies it.
type Recorder interface {
	CacheLookup(hit bool)
}

type Cache struct {
	store    Store
	logger   zerolog.Logger
	recorder Recorder
}

func New(store Store) *Cache {
	return &Cache{store: store, logger: log.Logger}
}

func (c *Cache) WithLogger(l zerolog.Logger) *Cache {
	c.logger = l
	return c
}

func (c *Cache) WithRecorder(r Recorder) *Cache {
	c.recorder = r
	return c
}

// Get decodes the value at key into dst. ok is false on miss or any failure.
func (c *Cache) Get(ctx context.Context, key string, dst any) (ok bool) {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redisstore.ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry undecodable, ignoring")
		return false
	}
	return true
}

func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache value unencodable")
		return
	}
	if err := c.store.Set(ctx, key, b, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (c *Cache) Exists(ctx context.Context, key string) bool {
	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache exists failed")
		return false
	}
	return ok
}

func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.store.Del(ctx, keys...); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("cache delete failed")
	}
}

func (c *Cache) record(hit bool) {
	if c.recorder != nil {
		c.recorder.CacheLookup(hit)
	}
}

// Package idempotency dedupes retried client requests.
//
// Each (path, subject, client key) moves through Absent -> Processing -> Completed.
// The Processing marker is written with SET NX so only one request may proceed;
// the owner overwrites it with the serialized response once done. Records expire
// after the configured TTL whatever their state, which bounds the replay window.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/worklog/internal/store/redisstore"
)

const processingValue = "PROCESSING"

// DefaultTTL must exceed the longest client retry window.
const DefaultTTL = 300 * time.Second

type Store interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

type State int

const (
	// Proceed: this request owns the key (or the store is down) and should execute.
	Proceed State = iota
	// InFlight: another request with the same key is still processing.
	InFlight
	// Completed: the operation already ran; Payload holds its response.
	Completed
)

func (s State) String() string {
	switch s {
	case Proceed:
		return "proceed"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// Scope identifies one idempotent request.
type Scope struct {
	Path    string
	Subject string // caller identity; empty for anonymous
	Key     string // client-supplied Idempotency-Key
}

func (s Scope) storeKey() string {
	if s.Subject == "" {
		return fmt.Sprintf("idempotency:%s:%s", s.Path, s.Key)
	}
	return fmt.Sprintf("idempotency:%s:%s:%s", s.Path, s.Subject, s.Key)
}

type Decision struct {
	State   State
	Payload json.RawMessage
	// Degraded is set when the store could not be consulted.
	Degraded bool
}

type Guard struct {
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl, logger: log.Logger}
}

// WithLogger returns a copy of g logging to l.
func (g *Guard) WithLogger(l zerolog.Logger) *Guard {
	cp := *g
	cp.logger = l
	return &cp
}

func (g *Guard) TTL() time.Duration { return g.ttl }

// Begin tries to claim scope. Store failures never block the request: the
// decision is Proceed with Degraded set.
func (g *Guard) Begin(ctx context.Context, scope Scope) Decision {
	key := scope.storeKey()
	lg := g.logger.With().Str("key", key).Logger()

	claimed, err := g.store.SetNX(ctx, key, []byte(processingValue), g.ttl)
	if err != nil {
		lg.Warn().Err(err).Msg("redis unavailable for idempotency check")
		return Decision{State: Proceed, Degraded: true}
	}
	if claimed {
		return Decision{State: Proceed}
	}

	v, err := g.store.Get(ctx, key)
	if errors.Is(err, redisstore.ErrNotFound) {
		// expired between SETNX and GET; try once more
		claimed, err = g.store.SetNX(ctx, key, []byte(processingValue), g.ttl)
		if err == nil && claimed {
			return Decision{State: Proceed}
		}
		if err == nil {
			return Decision{State: InFlight}
		}
	}
	if err != nil {
		lg.Warn().Err(err).Msg("redis unavailable for idempotency check")
		return Decision{State: Proceed, Degraded: true}
	}

	if string(v) == processingValue {
		return Decision{State: InFlight}
	}
	if !json.Valid(v) {
		lg.Warn().Msg("corrupt idempotency record, treating as in flight")
		return Decision{State: InFlight}
	}
	return Decision{State: Completed, Payload: json.RawMessage(v)}
}

// Complete stores payload as the response for scope under the same TTL policy.
func (g *Guard) Complete(ctx context.Context, scope Scope, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error().Err(err).Str("key", scope.storeKey()).Msg("failed to encode idempotent response")
		return
	}
	if err := g.store.Set(ctx, scope.storeKey(), b, g.ttl); err != nil {
		g.logger.Warn().Err(err).Str("key", scope.storeKey()).Msg("failed to cache idempotent response")
	}
}

// Abandon drops the Processing marker after the guarded operation failed so
// the client can retry with the same key.
func (g *Guard) Abandon(ctx context.Context, scope Scope) {
	if err := g.store.Del(ctx, scope.storeKey()); err != nil {
		g.logger.Warn().Err(err).Str("key", scope.storeKey()).Msg("failed to abandon idempotency key")
	}
}

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/worklog/internal/store/redisstore"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := redisstore.New(redisstore.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = s.Close() })
	return NewGuard(s, ttl), mr
}

var scope = Scope{Path: "/api/v1/work-logs/manual-sync", Subject: "7", Key: "abc-123"}

func TestGuard_Dedup(t *testing.T) {
	g, _ := newTestGuard(t, time.Minute)
	ctx := context.Background()

	first := g.Begin(ctx, scope)
	assert.Equal(t, Proceed, first.State)
	assert.False(t, first.Degraded)

	second := g.Begin(ctx, scope)
	assert.Equal(t, InFlight, second.State, "duplicate while processing must conflict")

	resp := map[string]string{"message": "started", "job_id": "01J"}
	g.Complete(ctx, scope, resp)

	third := g.Begin(ctx, scope)
	require.Equal(t, Completed, third.State)
	assert.JSONEq(t, `{"message":"started","job_id":"01J"}`, string(third.Payload))
}

func TestGuard_ScopesAreIndependent(t *testing.T) {
	g, _ := newTestGuard(t, time.Minute)
	ctx := context.Background()

	require.Equal(t, Proceed, g.Begin(ctx, scope).State)

	otherUser := scope
	otherUser.Subject = "8"
	assert.Equal(t, Proceed, g.Begin(ctx, otherUser).State)

	otherPath := scope
	otherPath.Path = "/api/v1/other"
	assert.Equal(t, Proceed, g.Begin(ctx, otherPath).State)
}

func TestGuard_ExpiryReopensKey(t *testing.T) {
	g, mr := newTestGuard(t, 5*time.Second)
	ctx := context.Background()

	require.Equal(t, Proceed, g.Begin(ctx, scope).State)
	g.Complete(ctx, scope, map[string]string{"message": "done"})

	mr.FastForward(6 * time.Second)
	assert.Equal(t, Proceed, g.Begin(ctx, scope).State, "retries after TTL look like new requests")
}

func TestGuard_CompleteKeepsTTL(t *testing.T) {
	g, mr := newTestGuard(t, 30*time.Second)
	ctx := context.Background()

	require.Equal(t, Proceed, g.Begin(ctx, scope).State)
	g.Complete(ctx, scope, map[string]string{"message": "done"})

	assert.Equal(t, 30*time.Second, mr.TTL(scope.storeKey()))
}

func TestGuard_Abandon(t *testing.T) {
	g, _ := newTestGuard(t, time.Minute)
	ctx := context.Background()

	require.Equal(t, Proceed, g.Begin(ctx, scope).State)
	g.Abandon(ctx, scope)
	assert.Equal(t, Proceed, g.Begin(ctx, scope).State)
}

func TestGuard_StoreDown_Proceeds(t *testing.T) {
	mr := miniredis.RunT(t)
	s := redisstore.New(redisstore.Options{Addr: mr.Addr(), Timeout: 100 * time.Millisecond})
	defer s.Close()
	g := NewGuard(s, time.Minute)
	mr.Close()

	d := g.Begin(context.Background(), scope)
	assert.Equal(t, Proceed, d.State)
	assert.True(t, d.Degraded)

	// must not panic or block
	g.Complete(context.Background(), scope, map[string]string{"message": "x"})
}

func TestScope_StoreKey(t *testing.T) {
	assert.Equal(t, "idempotency:/p:7:k", Scope{Path: "/p", Subject: "7", Key: "k"}.storeKey())
	assert.Equal(t, "idempotency:/p:k", Scope{Path: "/p", Key: "k"}.storeKey())
}

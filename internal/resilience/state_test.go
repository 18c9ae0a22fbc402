package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateStore(client, "test:"), mr
}

func TestStateStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]StateStore{
		"memory": NewMemoryStateStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			tok, failures, err := store.Load(ctx, "twilio")
			require.NoError(t, err)
			assert.Equal(t, closedToken, tok)
			assert.Zero(t, failures)

			n, err := store.IncrFailures(ctx, "twilio")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			n, err = store.IncrFailures(ctx, "twilio")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			// Absent key compares equal to closed.
			ok, err := store.CompareAndSwap(ctx, "twilio", closedToken, "open:1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.CompareAndSwap(ctx, "twilio", closedToken, "open:2")
			require.NoError(t, err)
			assert.False(t, ok)

			tok, failures, err = store.Load(ctx, "twilio")
			require.NoError(t, err)
			assert.Equal(t, "open:1", tok)
			assert.Equal(t, int64(2), failures)

			require.NoError(t, store.ResetFailures(ctx, "twilio"))
			require.NoError(t, store.Store(ctx, "twilio", closedToken))
			tok, failures, err = store.Load(ctx, "twilio")
			require.NoError(t, err)
			assert.Equal(t, closedToken, tok)
			assert.Zero(t, failures)
		})
	}
}

func TestRedisStateStore_Keys(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.IncrFailures(ctx, "hunter")
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, "hunter", "open:5"))

	assert.True(t, mr.Exists("test:hunter:failures"))
	got, err := mr.Get("test:hunter:state")
	require.NoError(t, err)
	assert.Equal(t, "open:5", got)
}

func TestRedisStateStore_SharedAcrossBreakers(t *testing.T) {
	store, _ := newRedisStore(t)
	cfg := map[string]BreakerConfig{"twilio": {Threshold: 2, OpenTimeout: time.Minute}}

	first := NewBreaker(store, cfg)
	second := NewBreaker(store, cfg)

	_ = first.Execute(context.Background(), "twilio", fail)
	_ = second.Execute(context.Background(), "twilio", fail)

	var calls int
	err := first.Execute(context.Background(), "twilio", func(_ context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestRedisStateStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, _, err := store.Load(context.Background(), "twilio")
	assert.Error(t, err)
}

func TestDecodeToken(t *testing.T) {
	at := time.Unix(0, 1700000000000000000)

	ct, ok := decodeToken(encodeToken(CircuitOpen, at))
	require.True(t, ok)
	assert.Equal(t, CircuitOpen, ct.state)
	assert.True(t, at.Equal(ct.since))

	ct, ok = decodeToken(encodeToken(CircuitHalfOpen, at))
	require.True(t, ok)
	assert.Equal(t, CircuitHalfOpen, ct.state)

	assert.Equal(t, closedToken, encodeToken(CircuitClosed, at))

	for _, bad := range []string{"open", "open:abc", "weird:1"} {
		ct, ok = decodeToken(bad)
		assert.False(t, ok, bad)
		assert.Equal(t, CircuitClosed, ct.state)
	}
}

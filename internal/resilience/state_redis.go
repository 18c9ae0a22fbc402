package resilience

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const defaultKeyPrefix = "circuit:"

// casScript swaps the state token only when it still holds the expected
// value. A missing key compares equal to the closed token.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = ARGV[3] end
if cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// RedisStateStore shares circuit state across processes through Redis.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore creates a Redis-backed state store. An empty prefix
// uses "circuit:".
func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) stateKey(provider string) string {
	return s.prefix + provider + ":state"
}

func (s *RedisStateStore) failuresKey(provider string) string {
	return s.prefix + provider + ":failures"
}

// Load implements StateStore.
func (s *RedisStateStore) Load(ctx context.Context, provider string) (string, int64, error) {
	vals, err := s.client.MGet(ctx, s.stateKey(provider), s.failuresKey(provider)).Result()
	if err != nil {
		return "", 0, eris.Wrapf(err, "resilience: load state %s", provider)
	}

	tok := closedToken
	if v, ok := vals[0].(string); ok && v != "" {
		tok = v
	}

	var failures int64
	if v, ok := vals[1].(string); ok {
		failures, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", 0, eris.Wrapf(err, "resilience: parse failure count %s", provider)
		}
	}
	return tok, failures, nil
}

// CompareAndSwap implements StateStore.
func (s *RedisStateStore) CompareAndSwap(ctx context.Context, provider, old, next string) (bool, error) {
	n, err := casScript.Run(ctx, s.client, []string{s.stateKey(provider)}, old, next, closedToken).Int()
	if err != nil {
		return false, eris.Wrapf(err, "resilience: compare-and-swap state %s", provider)
	}
	return n == 1, nil
}

// Store implements StateStore.
func (s *RedisStateStore) Store(ctx context.Context, provider, token string) error {
	if err := s.client.Set(ctx, s.stateKey(provider), token, 0).Err(); err != nil {
		return eris.Wrapf(err, "resilience: store state %s", provider)
	}
	return nil
}

// IncrFailures implements StateStore.
func (s *RedisStateStore) IncrFailures(ctx context.Context, provider string) (int64, error) {
	n, err := s.client.Incr(ctx, s.failuresKey(provider)).Result()
	if err != nil {
		return 0, eris.Wrapf(err, "resilience: increment failures %s", provider)
	}
	return n, nil
}

// ResetFailures implements StateStore.
func (s *RedisStateStore) ResetFailures(ctx context.Context, provider string) error {
	if err := s.client.Set(ctx, s.failuresKey(provider), 0, 0).Err(); err != nil {
		return eris.Wrapf(err, "resilience: reset failures %s", provider)
	}
	return nil
}

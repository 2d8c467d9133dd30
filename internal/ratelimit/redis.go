package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the window counter unless it is already at the
// limit, and arms the key expiry on first increment. Running it server-side
// keeps the check-and-increment atomic across gateway instances.
var incrScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return count + 1
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return count
`)

// RedisStore is the shared counter Store backed by redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, limit int, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.client, []string{key}, limit, ttl.Milliseconds()).Int64()
}

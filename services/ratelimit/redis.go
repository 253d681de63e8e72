package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisCounter shares window counters across replicas. When Redis is
// unreachable it counts in process through Fallback.
type RedisCounter struct {
	Client   redis.UniversalClient
	Prefix   string
	Timeout  time.Duration
	Fallback *MemoryCounter
	logger   *zap.Logger
}

// NewRedisCounter creates a counter with the "rl:" prefix and an in-memory
// fallback
func NewRedisCounter(client redis.UniversalClient, logger *zap.Logger) *RedisCounter {
	return &RedisCounter{
		Client:   client,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewMemoryCounter(),
		logger:   logger,
	}
}

// Incr implements Counter
func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c.Client == nil {
		return c.fallback(ctx, key, ttl, fmt.Errorf("redis client not configured"))
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	count, err := incrScript.Run(ctx, c.Client, []string{c.Prefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return c.fallback(ctx, key, ttl, err)
	}
	return count, nil
}

func (c *RedisCounter) fallback(ctx context.Context, key string, ttl time.Duration, cause error) (int64, error) {
	if c.Fallback == nil {
		return 0, fmt.Errorf("rate limit counter unavailable: %w", cause)
	}
	if c.logger != nil {
		c.logger.Warn("Rate limit counter falling back to memory",
			zap.String("key", key),
			zap.Error(cause))
	}
	return c.Fallback.Incr(ctx, key, ttl)
}

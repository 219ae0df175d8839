package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var checkUsageScript = redis.NewScript(`
local day = redis.call("HGET", KEYS[1], "reset_date")
if day ~= ARGV[1] then
  redis.call("HSET", KEYS[1], "reset_date", ARGV[1], "used_count", 0, "daily_limit", ARGV[2])
  redis.call("EXPIRE", KEYS[1], ARGV[3])
  return 0
end
redis.call("HSET", KEYS[1], "daily_limit", ARGV[2])
return tonumber(redis.call("HGET", KEYS[1], "used_count") or "0")
`)

var incrementUsageScript = redis.NewScript(`
local day = redis.call("HGET", KEYS[1], "reset_date")
if day ~= ARGV[1] then
  redis.call("HSET", KEYS[1], "reset_date", ARGV[1], "used_count", 0)
end
redis.call("HSET", KEYS[1], "daily_limit", ARGV[2], "last_used_at", ARGV[4])
redis.call("EXPIRE", KEYS[1], ARGV[3])
return redis.call("HINCRBY", KEYS[1], "used_count", 1)
`)

// counterTTL keeps a counter around a little past the day it belongs to.
const counterTTL = 48 * time.Hour

// RedisStore keeps usage counters in Redis hashes. Each call is one Lua
// script, so reset and increment are atomic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "stemsplit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(identity, toolCode string) string {
	return fmt.Sprintf("%s:usage:%s:%s", s.prefix, toolCode, identity)
}

func (s *RedisStore) CheckUsage(ctx context.Context, identity, toolCode string, dailyLimit int, day string) (int, error) {
	used, err := checkUsageScript.Run(ctx, s.client,
		[]string{s.key(identity, toolCode)},
		day, dailyLimit, int(counterTTL.Seconds()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to check usage: %w", err)
	}
	return used, nil
}

func (s *RedisStore) IncrementUsage(ctx context.Context, identity, toolCode string, dailyLimit int, day string, at time.Time) (int, error) {
	used, err := incrementUsageScript.Run(ctx, s.client,
		[]string{s.key(identity, toolCode)},
		day, dailyLimit, int(counterTTL.Seconds()), at.UTC().Format(time.RFC3339),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return used, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the refill-and-consume step atomically in Redis.
// KEYS[1] holds the bucket hash; ARGV are capacity, refill rate (tokens per
// second) and the current time in milliseconds. Returns {allowed, remaining}.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = (now - last) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'last', now)
redis.call('EXPIRE', key, 3600)

return {allowed, tostring(tokens)}
`

// RedisStore shares rate-limit state across instances.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisStore(addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}, nil
}

func (s *RedisStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	now := float64(time.Now().UnixMilli())
	res, err := s.script.Run(ctx, s.client, []string{"ratelimit:" + key}, capacity, refillRate, now).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script result: %v", res)
	}
	allowed, _ := res[0].(int64)
	remaining := 0.0
	if str, ok := res[1].(string); ok {
		fmt.Sscanf(str, "%f", &remaining)
	}
	return allowed == 1, remaining, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// hitScript mirrors MemoryWindowStore.Hit. Times are unix milliseconds.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local length = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local vals = redis.call('HMGET', KEYS[1], 'count', 'start')
local count = tonumber(vals[1]) or 0
local start = tonumber(vals[2]) or 0
if start == 0 or now - start >= length then
	redis.call('HSET', KEYS[1], 'count', 1, 'start', now)
	redis.call('PEXPIRE', KEYS[1], length)
	return {1, 1, now}
end
if count < limit then
	count = redis.call('HINCRBY', KEYS[1], 'count', 1)
	return {1, count, start}
end
return {0, count, start}
`)

// RedisWindowStore keeps windows in Redis hashes so several API nodes share
// one quota per key.
type RedisWindowStore struct {
	client *redis.Client
	prefix string
}

func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: "offmarket:ratelimit:"}
}

func (s *RedisWindowStore) Hit(ctx context.Context, id string, limit int, length time.Duration, now time.Time) (Window, bool, error) {
	res, err := hitScript.Run(ctx, s.client, []string{s.prefix + id},
		now.UnixMilli(), length.Milliseconds(), limit).Result()
	if err != nil {
		return Window{}, false, fmt.Errorf("ratelimit: redis hit: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Window{}, false, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return Window{}, false, fmt.Errorf("ratelimit: unexpected script reply %v", res)
		}
		nums[i] = n
	}
	w := Window{Count: int(nums[1]), Start: time.UnixMilli(nums[2]).UTC()}
	return w, nums[0] == 1, nil
}

package strikes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for strike records:
//
//	Key:   strikes:<chat_id>:<user_id>
//	Hash:  count, last (unix milliseconds)
//	TTL:   window + ttlSlack
const KeyPrefix = "strikes:"

// ttlSlack keeps a record alive a little past its window so a violation that
// lands exactly on the boundary still sees the old count.
const ttlSlack = time.Minute

// incrementScript resets an expired count, increments it and refreshes the
// TTL in one step. Returns {count, last}.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local slack = tonumber(ARGV[3])
local count = tonumber(redis.call('HGET', key, 'count') or '0')
local last = tonumber(redis.call('HGET', key, 'last') or '0')
if count > 0 and window > 0 and now - last > window then
	count = 0
end
count = count + 1
if now > last then
	last = now
end
redis.call('HSET', key, 'count', count, 'last', last)
if window > 0 then
	redis.call('PEXPIRE', key, window + slack)
end
return {count, last}
`)

// RedisStore is a Store shared by every engine instance pointed at the same
// Redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key Key) string {
	return KeyPrefix + key.String()
}

func (s *RedisStore) Increment(ctx context.Context, key Key, at time.Time, window time.Duration) (Record, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{redisKey(key)},
		at.UnixMilli(), window.Milliseconds(), ttlSlack.Milliseconds()).Int64Slice()
	if err != nil {
		return Record{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(vals) != 2 {
		return Record{}, fmt.Errorf("redis increment: unexpected reply %v", vals)
	}
	return Record{Count: int(vals[0]), LastViolationAt: time.UnixMilli(vals[1])}, nil
}

func (s *RedisStore) Load(ctx context.Context, key Key) (Record, bool, error) {
	vals, err := s.client.HGetAll(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis load: %w", err)
	}
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return Record{}, false, fmt.Errorf("redis load: bad count %q: %w", vals["count"], err)
	}
	last, err := strconv.ParseInt(vals["last"], 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("redis load: bad last %q: %w", vals["last"], err)
	}
	return Record{Count: count, LastViolationAt: time.UnixMilli(last)}, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

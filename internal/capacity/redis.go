package capacity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps slots in a sorted set scored by expiry time so a crashed
// process can never pin capacity past the slot TTL.
type RedisStore struct {
	client *redis.Client
	key    string
}

// Expired members are purged before the ceiling check so lingering entries
// never count against capacity.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local expires = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if redis.call('ZSCORE', key, member) then
  redis.call('ZADD', key, expires, member)
  return 1
end
if redis.call('ZCARD', key) >= ceiling then
  return 0
end
redis.call('ZADD', key, expires, member)
return 1
`)

func NewRedisStore(redisURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "callgate"
	}
	return &RedisStore{
		client: redis.NewClient(opts),
		key:    keyPrefix + ":active_calls",
	}, nil
}

func (s *RedisStore) Acquire(ctx context.Context, callID string, ttl time.Duration, ceiling int) (bool, error) {
	now := time.Now().UnixMilli()
	expires := now + ttl.Milliseconds()
	res, err := acquireScript.Run(ctx, s.client, []string{s.key}, now, expires, ceiling, callID).Int64()
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, callID string) error {
	if err := s.client.ZRem(ctx, s.key, callID).Err(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	removed, err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", strconv.FormatInt(now, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("purge expired slots: %w", err)
	}
	return int(removed), nil
}

func (s *RedisStore) ActiveCount(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	count, err := s.client.ZCount(ctx, s.key, "("+strconv.FormatInt(now, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count active slots: %w", err)
	}
	return int(count), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

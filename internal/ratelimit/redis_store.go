package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments the counter only while it is under the limit.
// The first increment of a window sets the expiry, so the window resets
// lazily when the key disappears.
var consumeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return {0, count, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// RedisStore keeps buckets in Redis so several server processes can share
// one ceiling per connection id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "ratelimit:ai:",
	}
}

func (s *RedisStore) key(connectionID string) string {
	return s.prefix + connectionID
}

func (s *RedisStore) Consume(ctx context.Context, connectionID string, limit int, window time.Duration, now time.Time) (Bucket, bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(connectionID)}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("consume %s: %w", connectionID, err)
	}
	if len(res) != 3 {
		return Bucket{}, false, fmt.Errorf("consume %s: unexpected reply %v", connectionID, res)
	}

	ttl := time.Duration(res[2]) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	return Bucket{
		ConnectionID:  connectionID,
		Count:         int(res[1]),
		WindowResetAt: now.Add(ttl),
	}, res[0] == 1, nil
}

func (s *RedisStore) Remove(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, s.key(connectionID)).Err(); err != nil {
		return fmt.Errorf("remove bucket %s: %w", connectionID, err)
	}
	return nil
}

// Sweep is a no-op: expired windows are reclaimed by key TTL.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

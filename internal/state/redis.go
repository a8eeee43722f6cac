package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskloop/taskloop/internal/errors"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// Each key is stored as a hash: the payload under "data" and a monotonic
// version counter under "ver" that doubles as the etag. The scripts keep
// both fields and the expiry in step atomically.
var (
	setScript = redis.NewScript(`
redis.call("HSET", KEYS[1], "data", ARGV[1])
local ver = redis.call("HINCRBY", KEYS[1], "ver", 1)
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return ver`)

	setIfMatchScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ver")
if not cur or cur ~= ARGV[3] then
	return -1
end
redis.call("HSET", KEYS[1], "data", ARGV[1])
local ver = redis.call("HINCRBY", KEYS[1], "ver", 1)
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return ver`)

	deleteIfMatchScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "ver")
if not cur then
	return 1
end
if cur ~= ARGV[1] then
	return -1
end
return redis.call("DEL", KEYS[1])`)

	incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`)
)

// RedisStore implements Store directly against Redis, for deployments that
// bypass the sidecar state component.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis using a redis:// URL and verifies the
// connection before returning.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation": "redis_connect",
		"addr":      opts.Addr,
		"db":        opts.DB,
	}).Info("Redis state store connected")

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the stored value and etag, or (nil, "", nil) on a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	fields, err := s.client.HMGet(ctx, key, "data", "ver").Result()
	if err != nil {
		return nil, "", errors.NewStateStoreError("get "+key, err)
	}

	data, ok := fields[0].(string)
	if !ok {
		return nil, "", nil
	}
	ver, _ := fields[1].(string)
	return []byte(data), ver, nil
}

// Set writes value under key, conditionally when etag is non-empty.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, etag string) error {
	script := setScript
	args := []interface{}{value, ttl.Milliseconds()}
	if etag != "" {
		script = setIfMatchScript
		args = append(args, etag)
	}

	ver, err := script.Run(ctx, s.client, []string{key}, args...).Int64()
	if err != nil {
		return errors.NewStateStoreError("set "+key, err)
	}
	if ver < 0 {
		return errors.NewConflictError("state key changed concurrently: " + key)
	}
	return nil
}

// Delete removes key. Deleting a missing key succeeds.
func (s *RedisStore) Delete(ctx context.Context, key string, etag string) error {
	if etag == "" {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return errors.NewStateStoreError("delete "+key, err)
		}
		return nil
	}

	res, err := deleteIfMatchScript.Run(ctx, s.client, []string{key}, etag).Int64()
	if err != nil {
		return errors.NewStateStoreError("delete "+key, err)
	}
	if res < 0 {
		return errors.NewConflictError("state key changed concurrently: " + key)
	}
	return nil
}

// Increment bumps the counter at key, starting the expiry window on first
// use so the count resets once the window elapses.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, errors.NewStateStoreError("increment "+key, err)
	}
	return n, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.NewStateStoreError("ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

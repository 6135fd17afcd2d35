package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// clampedIncr adds ARGV[1] to KEYS[1] and floors the result at zero in one
// round trip, so concurrent leave events can never drive the counter negative.
var clampedIncr = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v < 0 then
  redis.call('SET', KEYS[1], 0)
  v = 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return v
`)

// Redis is a Cache backed by a go-redis client. Keys are namespaced by prefix.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis wraps rdb. prefix is prepended to every key (e.g. "handoff:").
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *Redis) GetInt(ctx context.Context, key string) (int64, bool, error) {
	s, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cache value for %q is not an integer: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) SetInt(ctx context.Context, key string, v int64, ttl time.Duration) error {
	if v < 0 {
		v = 0
	}
	return r.rdb.Set(ctx, r.prefix+key, v, ttl).Err()
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return clampedIncr.Run(ctx, r.rdb, []string{r.prefix + key}, delta, ttl.Milliseconds()).Int64()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}

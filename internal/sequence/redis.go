package sequence

import (
	"context"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL keeps a day's key around long enough to cover timezone skew.
const DefaultRedisTTL = 48 * time.Hour

// RedisCounter uses INCR, which is atomic on the server.
type RedisCounter struct {
	Client    redis.Cmdable
	Namespace string
	TTL       time.Duration
}

func NewRedisCounter(ctx context.Context, url string) (*RedisCounter, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisCounter{Client: rdb}, nil
}

func (c *RedisCounter) redisKey(key Key) string {
	ns := c.Namespace
	if ns == "" {
		ns = "weighline"
	}
	return ns + ":seq:" + key.Prefix + ":" + key.Day
}

// Increment runs INCR and EXPIRE in one MULTI, so a key never outlives its
// TTL window because a second command was lost.
func (c *RedisCounter) Increment(ctx context.Context, key Key) (int64, error) {
	k := c.redisKey(key)
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	var incr *redis.IntCmd
	_, err := c.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Close releases the client when the counter owns one.
func (c *RedisCounter) Close() {
	if cl, ok := c.Client.(io.Closer); ok {
		_ = cl.Close()
	}
}

package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis реализует Rate/Replay-сторы поверх общего Redis: корзины и
// replay-ключи видны всем инстансам моста.
type Redis struct {
	client *redis.Client
}

// NewRedis создаёт стор.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Incr инкрементирует корзину ключа через INCR + EXPIRE NX.
func (c *Redis) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	retryAfter := ttl.Val()
	if retryAfter < 0 {
		retryAfter = window
	}
	return incr.Val(), retryAfter, nil
}

// Seen регистрирует ключ через SET NX и возвращает true при повторе.
func (c *Redis) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

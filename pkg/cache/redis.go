package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on top of go-redis.
type RedisCache struct {
	client *redis.Client
}

// Config configures a connection to Redis.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Connect dials Redis and verifies connectivity with a PING.
func Connect(ctx context.Context, cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr(cfg),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, ErrUnavailable
	}
	return &RedisCache{client: client}, nil
}

func addr(cfg Config) string {
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	return cfg.Host + ":" + strconv.Itoa(cfg.Port)
}

func (c *RedisCache) wrap(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return ErrNotFound
	}
	return ErrUnavailable
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, key).Result()
	return v, c.wrap(err)
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.wrap(c.client.Set(ctx, key, value, ttl).Err())
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.wrap(c.client.Del(ctx, key).Err())
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, ErrUnavailable
	}
	return ok, nil
}

func (c *RedisCache) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.client.HGet(ctx, key, field).Result()
	return v, c.wrap(err)
}

func (c *RedisCache) HSet(ctx context.Context, key, field, value string) error {
	return c.wrap(c.client.HSet(ctx, key, field, value).Err())
}

func (c *RedisCache) HDel(ctx context.Context, key, field string) error {
	return c.wrap(c.client.HDel(ctx, key, field).Err())
}

func (c *RedisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := c.client.HGetAll(ctx, key).Result()
	return v, c.wrap(err)
}

func (c *RedisCache) LPush(ctx context.Context, key, value string) error {
	return c.wrap(c.client.LPush(ctx, key, value).Err())
}

func (c *RedisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.client.LRange(ctx, key, start, stop).Result()
	return v, c.wrap(err)
}

func (c *RedisCache) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.wrap(c.client.LTrim(ctx, key, start, stop).Err())
}

func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.wrap(c.client.Expire(ctx, key, ttl).Err())
}

func (c *RedisCache) SAdd(ctx context.Context, key, member string) error {
	return c.wrap(c.client.SAdd(ctx, key, member).Err())
}

func (c *RedisCache) SRem(ctx context.Context, key, member string) error {
	return c.wrap(c.client.SRem(ctx, key, member).Err())
}

func (c *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.client.SMembers(ctx, key).Result()
	return v, c.wrap(err)
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

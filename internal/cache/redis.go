package cache

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces drover entries in a shared Redis instance.
const keyPrefix = "drover:result:"

// Redis is a result cache backed by a Redis server. Any Redis failure
// degrades to a miss; the cache never fails a task.
type Redis struct {
	client *redis.Client
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

// Get returns the cached result. Errors (including a down server) are
// logged and reported as misses.
func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[cache] redis get failed, treating as miss: %v", err)
		}
		return "", false
	}
	return val, true
}

// Set stores a result with the given TTL. Errors are logged and swallowed.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		log.Printf("[cache] redis set failed: %v", err)
	}
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Cache = (*Redis)(nil)

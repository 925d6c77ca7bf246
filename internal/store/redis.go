package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Store backend. It is a thin wrapper around
// *redis.Client — every method maps to a single Redis command so the
// single-key atomicity the rest of the platform relies on holds for free.
type Redis struct {
	client *redis.Client
}

// RedisOptions configures the underlying connection pool.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedis dials Redis and verifies the connection with a PING before
// returning, so callers fail fast on misconfiguration instead of discovering
// it on the first request.
func NewRedis(opts RedisOptions) (*Redis, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping failed: %w", err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := r.client.HGet(ctx, key, field).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: hget %s.%s: %w", key, field, err)
	}
	return val, true, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s: %w", key, err)
	}
	return val, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := r.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: hset %s: %w", key, err)
	}
	return nil
}

// HSetNX writes fields only if the key is absent. Redis has no native
// "HSET if key missing" primitive, so this uses HSETNX on a marker field to
// claim the key, then fills in the rest — the claim is the atomic step that
// decides the race; a loser simply reports ok=false without mutating
// anything further. The marker stays in the hash for as long as the key
// exists (HGetAll returns it too), so every later call on the same key
// reports ok=false; Del removes it together with the key.
func (r *Redis) HSetNX(ctx context.Context, key string, fields map[string]string) (bool, error) {
	claimed, err := r.client.HSetNX(ctx, key, "__claimed", "1").Result()
	if err != nil {
		return false, fmt.Errorf("store: hsetnx claim %s: %w", key, err)
	}
	if !claimed {
		return false, nil
	}
	if err := r.HSet(ctx, key, fields); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("store: hdel %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: del %v: %w", keys, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("store: srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("store: sismember %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) LPush(ctx context.Context, key, value string) error {
	if err := r.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("store: lpush %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LTrim(ctx context.Context, key string, count int) error {
	if count <= 0 {
		return fmt.Errorf("store: ltrim %s: count must be positive", key)
	}
	if err := r.client.LTrim(ctx, key, 0, int64(count-1)).Err(); err != nil {
		return fmt.Errorf("store: ltrim %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, int64(start), int64(stop)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: lrange %s: %w", key, err)
	}
	return vals, nil
}

func (r *Redis) LRem(ctx context.Context, key, value string) error {
	if err := r.client.LRem(ctx, key, 1, value).Err(); err != nil {
		return fmt.Errorf("store: lrem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: llen %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

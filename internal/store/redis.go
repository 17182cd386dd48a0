package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions holds Redis connection configuration.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key; defaults to "sipsession".
	Prefix string
}

// Values live at "<prefix>:<bucket>:<id>"; each bucket keeps a set of its ids at
// "<prefix>:<bucket>:index" for listing.
type redisKV struct {
	client *redis.Client
	prefix string
}

// OpenRedisStore connects to Redis and verifies the connection.
func OpenRedisStore(ctx context.Context, opts RedisOptions) (Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "sipsession"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newKVStore("redis", &redisKV{client: client, prefix: opts.Prefix}), nil
}

func (r *redisKV) key(bucket, key string) string {
	return r.prefix + ":" + bucket + ":" + key
}

func (r *redisKV) index(bucket string) string {
	return r.prefix + ":" + bucket + ":index"
}

func (r *redisKV) put(ctx context.Context, bucket, key string, value []byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(bucket, key), value, 0)
		pipe.SAdd(ctx, r.index(bucket), key)
		return nil
	})
	return err
}

func (r *redisKV) get(ctx context.Context, bucket, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *redisKV) del(ctx context.Context, bucket, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(bucket, key))
		pipe.SRem(ctx, r.index(bucket), key)
		return nil
	})
	return err
}

func (r *redisKV) list(ctx context.Context, bucket string) ([][]byte, error) {
	ids, err := r.client.SMembers(ctx, r.index(bucket)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(bucket, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		// A nil entry is an index member whose value expired or was removed out of band.
		if s, ok := v.(string); ok {
			out = append(out, []byte(s))
		}
	}
	return out, nil
}

func (r *redisKV) close() error {
	return r.client.Close()
}

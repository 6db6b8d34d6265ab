package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Medium shared by every process pointing at the same server and namespace.
type Redis struct {
	client    *redis.Client
	ctx       context.Context
	namespace string
}

// NewRedis connects to addr; keys are stored under "<namespace>:".
func NewRedis(addr, namespace string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx := context.Background()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr, "namespace", namespace)

	return &Redis{
		client:    client,
		ctx:       ctx,
		namespace: namespace,
	}, nil
}

func (r *Redis) Get(key string) (string, bool, error) {
	val, err := r.client.Get(r.ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to get key %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(key, value string) error {
	err := r.client.Set(r.ctx, r.key(key), value, 0).Err()
	if err != nil {
		if isOOM(err) {
			return ErrQuotaExceeded
		}
		return fmt.Errorf("%w: failed to set key %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (r *Redis) Remove(key string) error {
	if err := r.client.Del(r.ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: failed to delete key %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (r *Redis) Keys(prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(r.ctx, 0, r.key(prefix)+"*", 100).Iterator()
	for iter.Next(r.ctx) {
		keys = append(keys, iter.Val()[len(r.namespace)+1:])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to scan keys: %v", ErrUnavailable, err)
	}
	return keys, nil
}

// Health reports connectivity for the companion server's health endpoint.
func (r *Redis) Health() map[string]interface{} {
	health := map[string]interface{}{
		"status": "healthy",
		"type":   "redis",
	}

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		health["status"] = "unhealthy"
		health["error"] = err.Error()
		return health
	}

	if dbSize, err := r.client.DBSize(r.ctx).Result(); err == nil {
		health["key_count"] = dbSize
	}

	return health
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(key string) string {
	return r.namespace + ":" + key
}

func isOOM(err error) bool {
	msg := err.Error()
	return len(msg) >= 3 && msg[:3] == "OOM"
}

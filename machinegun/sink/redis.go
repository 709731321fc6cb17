package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PeladoCollado/machinegun/types"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKey       = "machinegun:snapshots"
	DefaultRedisRetention = 100
)

// RedisSink pushes JSON snapshots onto a capped Redis list, newest first.
type RedisSink struct {
	client    *redis.Client
	key       string
	retention int64
}

func NewRedisSink(client *redis.Client, key string, retention int) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	if retention <= 0 {
		retention = DefaultRedisRetention
	}
	return &RedisSink{client: client, key: key, retention: int64(retention)}
}

func DialRedis(ctx context.Context, addr string, key string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return NewRedisSink(client, key, DefaultRedisRetention), nil
}

func (r *RedisSink) Publish(ctx context.Context, summary types.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.retention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push snapshot to %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}

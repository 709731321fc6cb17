package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "tasks"

var errQueueFull = errors.New("task queue is full")

type taskQueue interface {
	Push(ctx context.Context, task []byte) error
	Len(ctx context.Context) (int64, error)
}

// memoryQueue holds at most capacity tasks; nothing consumes them.
type memoryQueue struct {
	lock     sync.Mutex
	tasks    [][]byte
	capacity int
}

func newMemoryQueue(capacity int) *memoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &memoryQueue{capacity: capacity}
}

func (q *memoryQueue) Push(_ context.Context, task []byte) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.tasks) >= q.capacity {
		return errQueueFull
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *memoryQueue) Len(_ context.Context) (int64, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return int64(len(q.tasks)), nil
}

type redisQueue struct {
	client *redis.Client
	key    string
}

func newRedisQueue(client *redis.Client, key string) *redisQueue {
	return &redisQueue{client: client, key: key}
}

func (q *redisQueue) Push(ctx context.Context, task []byte) error {
	if err := q.client.LPush(ctx, q.key, task).Err(); err != nil {
		return fmt.Errorf("push task to %s: %w", q.key, err)
	}
	return nil
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

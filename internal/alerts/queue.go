package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue carries alerts from the request path to the worker, which forwards
// them to the external notifier.
type Queue interface {
	Publish(ctx context.Context, alert Alert) error
	Consume(ctx context.Context) (<-chan Alert, error)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Alert
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Alert, size)}
}

// Publish enqueues an alert.
func (q *InMemory) Publish(ctx context.Context, alert Alert) error {
	select {
	case q.ch <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for the worker.
func (q *InMemory) Consume(ctx context.Context) (<-chan Alert, error) {
	out := make(chan Alert)
	go func() {
		defer close(out)
		for {
			select {
			case alert := <-q.ch:
				out <- alert
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue with JSON payloads.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "gatekeeper:alerts"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues an alert.
func (q *RedisQueue) Publish(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Consume streams alerts using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Alert, error) {
	out := make(chan Alert)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var alert Alert
				if err := json.Unmarshal([]byte(res[1]), &alert); err == nil {
					out <- alert
				}
			}
		}
	}()
	return out, nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the queue with a ready list plus an in-flight sorted set
// scored by visibility deadline. Expired members are reclaimed to the ready
// list on every Dequeue.
type Redis struct {
	client *redis.Client
	ready  string
	flight string
}

// NewRedis connects and verifies the connection. name is the key prefix
// shared by all workers of one deployment.
func NewRedis(ctx context.Context, addr, name string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{
		client: client,
		ready:  name + ":ready",
		flight: name + ":inflight",
	}, nil
}

// Close releases the client's connections
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Enqueue(ctx context.Context, jobID string) error {
	// Skip IDs already queued or held by a worker
	pos, err := r.client.LPos(ctx, r.ready, jobID, redis.LPosArgs{}).Result()
	if err == nil && pos >= 0 {
		return nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to check ready list: %w", err)
	}
	if err := r.client.ZScore(ctx, r.flight, jobID).Err(); err == nil {
		return nil
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to check in-flight set: %w", err)
	}
	if err := r.client.RPush(ctx, r.ready, jobID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// reclaimExpired moves in-flight members whose deadline passed back to ready
var reclaimExpired = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[1], id)
end
return #expired
`)

// dequeueOne pops the head of ready and records its visibility deadline
var dequeueOne = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

func (r *Redis) Dequeue(ctx context.Context, visibility time.Duration) (string, error) {
	now := time.Now()
	keys := []string{r.ready, r.flight}
	if err := reclaimExpired.Run(ctx, r.client, keys, now.UnixMilli()).Err(); err != nil {
		return "", fmt.Errorf("failed to reclaim expired jobs: %w", err)
	}
	res, err := dequeueOne.Run(ctx, r.client, keys, now.Add(visibility).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue job: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected dequeue result %T", res)
	}
	return id, nil
}

func (r *Redis) Ack(ctx context.Context, jobID string) error {
	if err := r.client.ZRem(ctx, r.flight, jobID).Err(); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.ready).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

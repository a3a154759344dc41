package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no job is ready
var ErrEmpty = errors.New("queue: empty")

// Queue hands job IDs to workers. A dequeued ID stays invisible for the
// visibility window; unacked IDs become visible again after it elapses, so a
// crashed worker's job is picked up by another.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context, visibility time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int, error)
}

package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/metrics"
	"github.com/bookforge/bookforge/internal/queue"
	"github.com/bookforge/bookforge/internal/store"
)

// Worker pulls job IDs off the queue and drives them through Tick until
// terminal or blocked. Crash-safety comes from the lease and the queue's
// visibility timeout, not from the worker itself.
type Worker struct {
	id         string
	queue      queue.Queue
	controller *Controller
	cfg        *config.Config
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewWorker creates a worker with a unique identity used for leases and
// step flags
func NewWorker(id string, q queue.Queue, controller *Controller, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) *Worker {
	return &Worker{
		id:         id,
		queue:      q,
		controller: controller,
		cfg:        cfg,
		metrics:    collector,
		logger:     logger.With("component", "worker", "worker_id", id),
	}
}

// Run loops until the context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started")
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("Worker stopping")
			return err
		}
		if err := w.RunOnce(ctx); errors.Is(err, queue.ErrEmpty) {
			sleepCtx(ctx, w.cfg.PollInterval())
		} else if err != nil && ctx.Err() == nil {
			w.logger.Error("Worker iteration failed", "error", err)
			sleepCtx(ctx, w.cfg.PollInterval())
		}
	}
}

// RunOnce processes a single queue item. Returns queue.ErrEmpty when there
// is nothing to do.
func (w *Worker) RunOnce(ctx context.Context) error {
	// The visibility window outlives the lease so an item is never handed
	// to a second worker while the first still holds the job
	jobID, err := w.queue.Dequeue(ctx, w.cfg.LeaseTTL())
	if err != nil {
		return err
	}
	if depth, err := w.queue.Len(ctx); err == nil {
		w.metrics.SetQueueDepth(w.cfg.Queue.Name, depth)
	}

	snapshot, err := w.controller.Tick(ctx, jobID, w.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted under us; drop the item
			return w.queue.Ack(ctx, jobID)
		}
		return err
	}

	if err := w.queue.Ack(ctx, jobID); err != nil {
		return err
	}
	// Tick's own requeue on budget exhaustion is a no-op while this worker
	// still holds the queue item, so the requeue decision lives here
	if !snapshot.Status.Terminal() {
		return w.queue.Enqueue(ctx, jobID)
	}
	return nil
}

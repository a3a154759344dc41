package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bookforge/bookforge/internal/metrics"
	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/internal/store"
	"github.com/bookforge/bookforge/pkg/models"
)

// Executor runs one phase instance to completion: build input, check the
// cache, call the provider, validate, persist the checkpoint.
type Executor struct {
	store         store.Store
	env           *phase.Env
	configVersion string
	workerID      string
	metrics       *metrics.Collector
	logger        *slog.Logger
}

// NewExecutor creates a step executor bound to one worker identity
func NewExecutor(st store.Store, env *phase.Env, configVersion, workerID string, collector *metrics.Collector, logger *slog.Logger) *Executor {
	return &Executor{
		store:         st,
		env:           env,
		configVersion: configVersion,
		workerID:      workerID,
		metrics:       collector,
		logger:        logger.With("component", "executor", "worker_id", workerID),
	}
}

// RunStep executes one phase instance. A nil return means the instance now
// has a checkpoint, whether from this run, a cache hit, or a lost race with
// another worker.
func (e *Executor) RunStep(ctx context.Context, job *models.Job, spec *phase.Spec, index int, deps *phase.Deps) *ExecError {
	flagTTL := spec.Timeout + time.Minute
	acquired, err := e.store.TryAcquireStep(ctx, job.ID, spec.Name, index, e.workerID, flagTTL)
	if err != nil {
		return execErr(spec.Name, index, 0, err)
	}
	if !acquired {
		// Another worker is running this instance; its checkpoint write is
		// protected by the absent precondition
		return nil
	}
	defer func() {
		_ = e.store.ReleaseStep(context.WithoutCancel(ctx), job.ID, spec.Name, index, e.workerID)
	}()

	// Charged up front so a crash mid-attempt is visible to the next
	// observation
	attempt, err := e.store.IncrementAttempt(ctx, job.ID, spec.Name, index)
	if err != nil {
		return execErr(spec.Name, index, 0, err)
	}

	input, err := spec.Build(job, deps, index)
	if err != nil {
		return execErr(spec.Name, index, attempt, err)
	}
	fingerprint, err := Fingerprint(spec, job, input, e.configVersion)
	if err != nil {
		return execErr(spec.Name, index, attempt, err)
	}

	if spec.CacheScope != phase.CacheNone {
		if entry, err := e.store.GetCacheEntry(ctx, fingerprint); err == nil {
			e.logger.Info("Cache hit", "job_id", job.ID, "phase", spec.Name, "index", index)
			e.metrics.RecordPhaseOutcome(spec.Name, "cache_hit")
			return e.commit(ctx, job, spec, index, attempt, fingerprint, entry.Payload, models.Usage{})
		} else if !errors.Is(err, store.ErrNotFound) {
			return execErr(spec.Name, index, attempt, err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	started := time.Now()
	payload, usage, err := spec.Run(runCtx, e.env, job, input)
	usage.Duration = time.Since(started)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			// The phase timeout fired, not the caller
			err = errors.Join(err, context.DeadlineExceeded)
		}
		e.metrics.RecordPhaseOutcome(spec.Name, outcomeOf(classify(err)))
		return execErr(spec.Name, index, attempt, err)
	}

	if err := spec.Validate(payload); err != nil {
		e.logger.Warn("Output failed validation",
			"job_id", job.ID,
			"phase", spec.Name,
			"index", index,
			"attempt", attempt,
			"error", err)
		e.metrics.RecordPhaseOutcome(spec.Name, "retriable")
		return execErr(spec.Name, index, attempt, err)
	}

	execError := e.commit(ctx, job, spec, index, attempt, fingerprint, payload, usage)
	if execError == nil {
		e.metrics.RecordPhaseOutcome(spec.Name, "success")
		if spec.CacheScope != phase.CacheNone {
			entry := &models.CacheEntry{Fingerprint: fingerprint, Payload: payload}
			if spec.CacheMeta != nil {
				entry.Location, entry.ContentHash = spec.CacheMeta(payload)
			}
			if err := e.store.PutCacheEntry(ctx, entry); err != nil {
				// Cache misses are normal; a failed cache write never fails
				// the step
				e.logger.Warn("Cache write failed", "fingerprint", fingerprint, "error", err)
			}
		}
	}
	return execError
}

// commit persists the checkpoint after a final cancellation check. A lost
// precondition race counts as success.
func (e *Executor) commit(ctx context.Context, job *models.Job, spec *phase.Spec, index, attempt int, fingerprint string, payload []byte, usage models.Usage) *ExecError {
	fresh, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return execErr(spec.Name, index, attempt, err)
	}
	if fresh.Status == models.StatusCancelled {
		return &ExecError{Class: ClassCanceled, Phase: spec.Name, Index: index, Attempt: attempt, Err: context.Canceled}
	}
	if ctx.Err() != nil {
		return execErr(spec.Name, index, attempt, ctx.Err())
	}

	cp := &models.Checkpoint{
		JobID:       job.ID,
		Phase:       spec.Name,
		Index:       index,
		Payload:     payload,
		Fingerprint: fingerprint,
		Usage:       usage,
		CreatedAt:   time.Now(),
	}
	if err := e.store.PutCheckpoint(ctx, cp); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		return execErr(spec.Name, index, attempt, err)
	}

	e.logger.Info("Checkpoint written",
		"job_id", job.ID,
		"phase", spec.Name,
		"index", index,
		"attempt", attempt,
		"duration", usage.Duration)
	return nil
}

func outcomeOf(class Class) string {
	if class == ClassTransient {
		return "retriable"
	}
	return "fatal"
}

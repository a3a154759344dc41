package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/llm"
	"github.com/bookforge/bookforge/internal/metrics"
	"github.com/bookforge/bookforge/internal/phase"
	"github.com/bookforge/bookforge/internal/queue"
	"github.com/bookforge/bookforge/internal/store"
	"github.com/bookforge/bookforge/pkg/models"
)

// Sentinel errors mapped onto the HTTP error taxonomy by the server
var (
	ErrInvalidInput  = errors.New("invalid job input")
	ErrBlockedPrompt = errors.New("prompt names a protected franchise")
	ErrWrongState    = errors.New("job is in the wrong state")
	ErrNotReady      = errors.New("manuscript is not ready")
)

// Controller is the public surface of the orchestrator: create, tick,
// status, cancel, resume. The worker loop and the HTTP tick endpoint drive
// jobs through the same Tick path.
type Controller struct {
	store    store.Store
	queue    queue.Queue
	env      *phase.Env
	cfg      *config.Config
	metrics  *metrics.Collector
	logger   *slog.Logger
	validate *validator.Validate

	// sleep and registry are swappable in tests: sleep so retry backoff does
	// not stall the suite, registry to provoke scheduling pathologies
	sleep    func(ctx context.Context, d time.Duration)
	registry func(mode models.Mode) []*phase.Spec
}

// NewController wires the orchestrator's public surface
func NewController(st store.Store, q queue.Queue, env *phase.Env, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) *Controller {
	return &Controller{
		store:    st,
		queue:    q,
		env:      env,
		cfg:      cfg,
		metrics:  collector,
		logger:   logger.With("component", "controller"),
		validate: validator.New(),
		sleep:    sleepCtx,
		registry: phase.Registry,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Create validates the brief, writes a queued job and enqueues a work item
func (c *Controller) Create(ctx context.Context, ownerID string, input models.JobInput) (*models.Job, error) {
	if input.Mode == "" {
		input.Mode = models.ModeDraft
	}
	if input.TargetLengthWords == 0 {
		input.TargetLengthWords = 30000
	}
	if err := c.validate.Struct(&input); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	prompt := strings.ToLower(input.Prompt)
	for _, franchise := range c.cfg.Guardrails.BlockedFranchises {
		if strings.Contains(prompt, franchise) {
			return nil, fmt.Errorf("%w: %q", ErrBlockedPrompt, franchise)
		}
	}

	now := time.Now()
	job := &models.Job{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Input:       input,
		Status:      models.StatusQueued,
		CoverStatus: models.CoverPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := c.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	c.metrics.IncJobStatus(string(models.StatusQueued))
	c.logger.Info("Job created", "job_id", job.ID, "mode", input.Mode, "target_words", input.TargetLengthWords)
	return job, nil
}

// Authorize checks that ownerID owns the job. Foreign jobs and missing jobs
// are indistinguishable to callers.
func (c *Controller) Authorize(ctx context.Context, jobID, ownerID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return store.ErrNotFound
	}
	return nil
}

// Status returns the client-visible snapshot
func (c *Controller) Status(ctx context.Context, jobID string) (*models.Snapshot, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return models.SnapshotOf(job), nil
}

// Checkpoints returns the ordered checkpoint listing for debugging
func (c *Controller) Checkpoints(ctx context.Context, jobID string) ([]*models.Checkpoint, error) {
	if _, err := c.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return c.store.ListCheckpoints(ctx, jobID)
}

// Manuscript returns the assembled book of a complete job
func (c *Controller) Manuscript(ctx context.Context, jobID string) (*models.Manuscript, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusComplete {
		return nil, ErrNotReady
	}
	return c.store.GetManuscript(ctx, jobID)
}

// Cancel transitions a non-terminal job to cancelled. In-flight executor
// calls observe the new status before committing and abandon their writes.
func (c *Controller) Cancel(ctx context.Context, jobID string) (*models.Snapshot, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrWrongState, job.Status)
	}
	now := time.Now()
	job.Status = models.StatusCancelled
	job.EndedAt = &now
	if err := c.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	c.metrics.IncJobStatus(string(models.StatusCancelled))
	c.logger.Info("Job cancelled", "job_id", jobID)
	return models.SnapshotOf(job), nil
}

// ResumeAll re-enqueues stale non-terminal jobs with no live lease
func (c *Controller) ResumeAll(ctx context.Context) (int, error) {
	ids, err := c.store.ListResumable(ctx, c.cfg.StalenessThreshold())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := c.queue.Enqueue(ctx, id); err != nil {
			return 0, fmt.Errorf("failed to re-enqueue job %s: %w", id, err)
		}
		c.logger.Info("Job re-enqueued", "job_id", id)
	}
	return len(ids), nil
}

// EvictCache removes cache entries idle beyond the configured TTL
func (c *Controller) EvictCache(ctx context.Context) (int, error) {
	n, err := c.store.EvictCacheEntries(ctx, time.Now().Add(-c.cfg.CacheTTL()))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("Cache entries evicted", "count", n)
	}
	return n, nil
}

// Tick advances a job until the wall-clock budget is exhausted, the job
// blocks, or it reaches a terminal state. Concurrent ticks are serialized by
// the job lease: the loser returns the current snapshot without mutating.
func (c *Controller) Tick(ctx context.Context, jobID, workerID string) (*models.Snapshot, error) {
	acquired, err := c.store.AcquireLease(ctx, jobID, workerID, c.cfg.LeaseTTL())
	if err != nil {
		return nil, err
	}
	if !acquired {
		return c.Status(ctx, jobID)
	}
	defer func() {
		_ = c.store.ReleaseLease(context.WithoutCancel(ctx), jobID, workerID)
	}()

	started := time.Now()
	defer func() { c.metrics.RecordTick(time.Since(started)) }()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return models.SnapshotOf(job), nil
	}
	if job.Status == models.StatusQueued {
		job.Status = models.StatusRunning
		if job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
		if err := c.store.UpdateJob(ctx, job); err != nil {
			return nil, err
		}
		c.metrics.IncJobStatus(string(models.StatusRunning))
	}

	budget, cancel := context.WithTimeout(ctx, c.cfg.TickBudget())
	defer cancel()

	executor := NewExecutor(c.store, c.env, c.cfg.Pipeline.ConfigVersion, workerID, c.metrics, c.logger)
	specs := c.registry(job.Input.Mode)

	deadline, _ := budget.Deadline()
	ranBatch := false
	for {
		deps, done, err := loadState(ctx, c.store, job)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				return c.failJob(ctx, job, err.Error())
			}
			// A store read failure is the store's problem, not the job's;
			// surface it so the queue's visibility timeout retries the tick
			return nil, err
		}
		inflight, err := c.store.InFlightSteps(ctx, job.ID)
		if err != nil {
			return nil, err
		}

		decision := Schedule(specs, deps, done, inflight, c.cfg.Pipeline.WriterConcurrency, 1)
		if decision.Complete {
			return c.completeJob(ctx, job, deps)
		}
		if len(decision.Deadlock) > 0 {
			return c.failJob(ctx, job, "scheduler deadlock: "+strings.Join(decision.Deadlock, "; "))
		}
		if len(decision.Ready) == 0 {
			// Everything runnable is held by another worker's step flags;
			// hand the job back to the queue
			break
		}

		if err := c.writeProgress(ctx, job, specs, deps, done); err != nil {
			return nil, err
		}

		batch := batchOf(decision.Ready)
		if ranBatch && time.Until(deadline) < batch[0].Spec.Timeout {
			// The remaining budget cannot cover the next step's worst case;
			// requeue instead of charging a doomed attempt
			return c.requeueJob(ctx, job)
		}
		ranBatch = true
		execErrors := c.runBatch(budget, job, executor, batch, deps)

		job, err = c.store.GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return models.SnapshotOf(job), nil
		}

		if stop, snapshot, err := c.handleErrors(ctx, budget, job, batch[0].Spec, execErrors); stop {
			return snapshot, err
		}

		if budget.Err() != nil {
			return c.requeueJob(ctx, job)
		}

		if _, err := c.store.RenewLease(ctx, job.ID, workerID, c.cfg.LeaseTTL()); err != nil {
			return nil, err
		}
	}
	return c.Status(ctx, jobID)
}

// requeueJob hands an unfinished job back to the queue at the end of a tick
func (c *Controller) requeueJob(ctx context.Context, job *models.Job) (*models.Snapshot, error) {
	job.Status = models.StatusQueued
	if err := c.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(ctx, job.ID); err != nil {
		return nil, err
	}
	c.metrics.IncJobStatus(string(models.StatusQueued))
	c.logger.Info("Tick budget exhausted", "job_id", job.ID, "progress", job.Progress)
	return models.SnapshotOf(job), nil
}

// batchOf narrows the ready set to one phase: the lowest ordinal present.
// Fan-out phases run their whole slice in parallel; singletons run alone.
func batchOf(ready []Step) []Step {
	first := ready[0].Spec
	if first.FanOut == phase.Singleton {
		return ready[:1]
	}
	batch := ready[:0:0]
	for _, s := range ready {
		if s.Spec.Name == first.Name {
			batch = append(batch, s)
		}
	}
	return batch
}

func (c *Controller) runBatch(ctx context.Context, job *models.Job, executor *Executor, batch []Step, deps *phase.Deps) []*ExecError {
	if len(batch) == 1 {
		if execError := executor.RunStep(ctx, job, batch[0].Spec, batch[0].Index, deps); execError != nil {
			return []*ExecError{execError}
		}
		return nil
	}

	var mu sync.Mutex
	var execErrors []*ExecError
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Pipeline.WriterConcurrency)
	for _, step := range batch {
		step := step
		g.Go(func() error {
			if execError := executor.RunStep(ctx, job, step.Spec, step.Index, deps); execError != nil {
				mu.Lock()
				execErrors = append(execErrors, execError)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return execErrors
}

// handleErrors applies the retry policy to a batch's failures. stop=true
// means the tick is over and (snapshot, err) is its result.
func (c *Controller) handleErrors(ctx context.Context, budget context.Context, job *models.Job, spec *phase.Spec, execErrors []*ExecError) (bool, *models.Snapshot, error) {
	if len(execErrors) == 0 {
		return false, nil, nil
	}

	var worst *ExecError
	var backoff time.Duration
	for _, execError := range execErrors {
		if execError.Class == ClassCanceled {
			snapshot, err := c.Status(ctx, job.ID)
			return true, snapshot, err
		}
		if execError.Fatal() {
			snapshot, err := c.failJob(ctx, job, execError.Error())
			return true, snapshot, err
		}
		if budget.Err() != nil {
			// The budget cut this step short; the next tick retries it
			// without counting the truncation against the attempt cap
			continue
		}
		if execError.Attempt >= spec.MaxAttempts {
			snapshot, err := c.failJob(ctx, job, fmt.Sprintf("attempts exhausted: %v", execError))
			return true, snapshot, err
		}
		if d := retryDelay(spec, execError); d > backoff {
			backoff = d
		}
		worst = execError
	}
	if worst == nil {
		return false, nil, nil
	}

	c.logger.Warn("Retriable step failure",
		"job_id", job.ID,
		"phase", worst.Phase,
		"index", worst.Index,
		"attempt", worst.Attempt,
		"backoff", backoff,
		"error", worst.Err)
	c.sleep(budget, backoff)
	return false, nil, nil
}

// retryDelay honors a provider's retry-after when it exceeds the phase
// backoff
func retryDelay(spec *phase.Spec, execError *ExecError) time.Duration {
	delay := spec.Backoff(execError.Attempt)
	var pe *llm.ProviderError
	if errors.As(execError.Err, &pe) && pe.RetryAfter > delay {
		delay = pe.RetryAfter
	}
	return delay
}

// writeProgress persists the derived progress, keeping it monotonic
func (c *Controller) writeProgress(ctx context.Context, job *models.Job, specs []*phase.Spec, deps *phase.Deps, done map[store.StepKey]bool) error {
	percent, label := Progress(specs, deps, done)
	if percent > job.Progress {
		job.Progress = percent
	}
	job.CurrentStep = label
	if deps.Cover != nil {
		job.CoverStatus = deps.Cover.Status
	}
	return c.store.UpdateJob(ctx, job)
}

func (c *Controller) completeJob(ctx context.Context, job *models.Job, deps *phase.Deps) (*models.Snapshot, error) {
	cp, err := c.store.GetCheckpoint(ctx, job.ID, phase.Finalize, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.failJob(ctx, job, fmt.Sprintf("finalize checkpoint missing at completion: %v", err))
		}
		return nil, err
	}
	var manuscript models.Manuscript
	if err := json.Unmarshal(cp.Payload, &manuscript); err != nil {
		return c.failJob(ctx, job, fmt.Sprintf("%v: finalize: %v", ErrCorrupt, err))
	}
	manuscript.JobID = job.ID
	if err := c.store.PutManuscript(ctx, &manuscript); err != nil {
		return nil, err
	}

	now := time.Now()
	job.Status = models.StatusComplete
	job.Progress = 100
	job.CurrentStep = ""
	job.EndedAt = &now
	if deps.Cover != nil {
		job.CoverStatus = deps.Cover.Status
	}
	if err := c.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	c.metrics.IncJobStatus(string(models.StatusComplete))
	c.logger.Info("Job complete",
		"job_id", job.ID,
		"total_words", manuscript.Stats.TotalWords,
		"cover_status", job.CoverStatus)
	return models.SnapshotOf(job), nil
}

// failJob freezes progress and records the classified error
func (c *Controller) failJob(ctx context.Context, job *models.Job, message string) (*models.Snapshot, error) {
	now := time.Now()
	job.Status = models.StatusFailed
	job.LastError = message
	job.EndedAt = &now
	if err := c.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	c.metrics.IncJobStatus(string(models.StatusFailed))
	c.logger.Error("Job failed", "job_id", job.ID, "error", message)
	return models.SnapshotOf(job), nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/bookforge/bookforge/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when a precondition-"absent" write finds
	// the key occupied
	ErrAlreadyExists = errors.New("store: already exists")
)

// StepKey identifies one phase instance within a job
type StepKey struct {
	Phase string
	Index int
}

// Store is the persistence surface of the orchestrator. All implementations
// provide per-key serialization for checkpoint writes and atomic publication
// for cache entries.
type Store interface {
	// Jobs. UpdateJob is called only by the controller or the worker
	// holding the job's lease.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, id string) error

	// Job lease. AcquireLease succeeds when no live lease exists or the
	// caller already holds it; at most one owner holds a lease at a time.
	AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, jobID, owner string) error

	// ListResumable returns non-terminal jobs with no live lease that have
	// not progressed within the staleness threshold.
	ListResumable(ctx context.Context, staleness time.Duration) ([]string, error)

	// Step attempt accounting. The counter survives restarts; a crash
	// mid-attempt is charged on the next observation.
	IncrementAttempt(ctx context.Context, jobID, phase string, index int) (int, error)

	// Advisory running-this-step flags, preventing double execution of one
	// phase instance. Flags expire with their TTL.
	TryAcquireStep(ctx context.Context, jobID, phase string, index int, owner string, ttl time.Duration) (bool, error)
	ReleaseStep(ctx context.Context, jobID, phase string, index int, owner string) error
	InFlightSteps(ctx context.Context, jobID string) (map[StepKey]bool, error)

	// Checkpoints. PutCheckpoint has precondition "absent" and returns
	// ErrAlreadyExists when the key is occupied.
	PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, jobID, phase string, index int) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]*models.Checkpoint, error)

	// Cache. Entries are shared across jobs; GetCacheEntry refreshes the
	// last-hit time.
	PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	GetCacheEntry(ctx context.Context, fingerprint string) (*models.CacheEntry, error)
	EvictCacheEntries(ctx context.Context, olderThan time.Time) (int, error)

	// Manuscripts, one per completed job
	PutManuscript(ctx context.Context, m *models.Manuscript) error
	GetManuscript(ctx context.Context, jobID string) (*models.Manuscript, error)
}

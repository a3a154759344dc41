package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bookforge/bookforge/pkg/models"
)

// Memory is an in-process Store used by tests and single-node setups.
// Safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[string]*models.Job
	leases      map[string]lease
	attempts    map[string]map[StepKey]int
	stepFlags   map[string]map[StepKey]lease
	checkpoints map[string]map[StepKey]*models.Checkpoint
	cache       map[string]*models.CacheEntry
	manuscripts map[string]*models.Manuscript

	// now is swappable in tests to drive lease expiry
	now func() time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*models.Job),
		leases:      make(map[string]lease),
		attempts:    make(map[string]map[StepKey]int),
		stepFlags:   make(map[string]map[StepKey]lease),
		checkpoints: make(map[string]map[StepKey]*models.Checkpoint),
		cache:       make(map[string]*models.CacheEntry),
		manuscripts: make(map[string]*models.Manuscript),
		now:         time.Now,
	}
}

// SetClock overrides the store's clock; tests use it to expire leases
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	return &cp
}

func (m *Memory) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *Memory) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	updated := copyJob(job)
	updated.UpdatedAt = m.now()
	m.jobs[job.ID] = updated
	job.UpdatedAt = updated.UpdatedAt
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	// Cascade to owned rows; cache entries live independently
	delete(m.jobs, id)
	delete(m.leases, id)
	delete(m.attempts, id)
	delete(m.stepFlags, id)
	delete(m.checkpoints, id)
	delete(m.manuscripts, id)
	return nil
}

func (m *Memory) AcquireLease(_ context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return false, ErrNotFound
	}
	now := m.now()
	if l, held := m.leases[jobID]; held && l.expires.After(now) && l.owner != owner {
		return false, nil
	}
	m.leases[jobID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, held := m.leases[jobID]
	if !held || l.owner != owner || !l.expires.After(m.now()) {
		return false, nil
	}
	m.leases[jobID] = lease{owner: owner, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, jobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.leases[jobID]; held && l.owner == owner {
		delete(m.leases, jobID)
	}
	return nil
}

func (m *Memory) ListResumable(_ context.Context, staleness time.Duration) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var ids []string
	for id, job := range m.jobs {
		if job.Status.Terminal() {
			continue
		}
		if l, held := m.leases[id]; held && l.expires.After(now) {
			continue
		}
		if now.Sub(job.UpdatedAt) < staleness {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) IncrementAttempt(_ context.Context, jobID, phase string, index int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts[jobID] == nil {
		m.attempts[jobID] = make(map[StepKey]int)
	}
	key := StepKey{Phase: phase, Index: index}
	m.attempts[jobID][key]++
	return m.attempts[jobID][key], nil
}

func (m *Memory) TryAcquireStep(_ context.Context, jobID, phase string, index int, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stepFlags[jobID] == nil {
		m.stepFlags[jobID] = make(map[StepKey]lease)
	}
	key := StepKey{Phase: phase, Index: index}
	now := m.now()
	if l, held := m.stepFlags[jobID][key]; held && l.expires.After(now) && l.owner != owner {
		return false, nil
	}
	m.stepFlags[jobID][key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) ReleaseStep(_ context.Context, jobID, phase string, index int, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := StepKey{Phase: phase, Index: index}
	if l, held := m.stepFlags[jobID][key]; held && l.owner == owner {
		delete(m.stepFlags[jobID], key)
	}
	return nil
}

func (m *Memory) InFlightSteps(_ context.Context, jobID string) (map[StepKey]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[StepKey]bool)
	now := m.now()
	for key, l := range m.stepFlags[jobID] {
		if l.expires.After(now) {
			out[key] = true
		}
	}
	return out, nil
}

func (m *Memory) PutCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoints[cp.JobID] == nil {
		m.checkpoints[cp.JobID] = make(map[StepKey]*models.Checkpoint)
	}
	key := StepKey{Phase: cp.Phase, Index: cp.Index}
	if _, ok := m.checkpoints[cp.JobID][key]; ok {
		return ErrAlreadyExists
	}
	stored := *cp
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.checkpoints[cp.JobID][key] = &stored
	return nil
}

func (m *Memory) GetCheckpoint(_ context.Context, jobID, phase string, index int) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[jobID][StepKey{Phase: phase, Index: index}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cp
	return &out, nil
}

func (m *Memory) ListCheckpoints(_ context.Context, jobID string) ([]*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Checkpoint
	for _, cp := range m.checkpoints[jobID] {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (m *Memory) PutCacheEntry(_ context.Context, entry *models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *entry
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.LastHitAt.IsZero() {
		stored.LastHitAt = now
	}
	// First write wins; a concurrent writer produced the same content
	if _, ok := m.cache[entry.Fingerprint]; !ok {
		m.cache[entry.Fingerprint] = &stored
	}
	return nil
}

func (m *Memory) GetCacheEntry(_ context.Context, fingerprint string) (*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	entry.LastHitAt = m.now()
	out := *entry
	return &out, nil
}

func (m *Memory) EvictCacheEntries(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for fp, entry := range m.cache {
		if entry.LastHitAt.Before(olderThan) {
			delete(m.cache, fp)
			n++
		}
	}
	return n, nil
}

func (m *Memory) PutManuscript(_ context.Context, ms *models.Manuscript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *ms
	m.manuscripts[ms.JobID] = &stored
	return nil
}

func (m *Memory) GetManuscript(_ context.Context, jobID string) (*models.Manuscript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.manuscripts[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *ms
	return &out, nil
}

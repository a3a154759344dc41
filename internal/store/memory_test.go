package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bookforge/bookforge/pkg/models"
)

func newJob(id string) *models.Job {
	now := time.Now()
	return &models.Job{
		ID:        id,
		OwnerID:   "user-1",
		Status:    models.StatusQueued,
		Input:     models.JobInput{Prompt: "a lighthouse keeper receives letters", TargetLengthWords: 10000},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCheckpointPreconditionAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	cp := &models.Checkpoint{
		JobID:       "job-1",
		Phase:       "concept",
		Index:       0,
		Payload:     json.RawMessage(`{"title":"x"}`),
		Fingerprint: "fp-1",
	}
	if err := m.PutCheckpoint(ctx, cp); err != nil {
		t.Fatalf("first PutCheckpoint failed: %v", err)
	}

	dup := *cp
	dup.Payload = json.RawMessage(`{"title":"other"}`)
	if err := m.PutCheckpoint(ctx, &dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second PutCheckpoint = %v, want ErrAlreadyExists", err)
	}

	// The original payload must survive the losing write
	got, err := m.GetCheckpoint(ctx, "job-1", "concept", 0)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if string(got.Payload) != `{"title":"x"}` {
		t.Errorf("payload was overwritten: %s", got.Payload)
	}
}

func TestLeaseExclusivity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	ok, err := m.AcquireLease(ctx, "job-1", "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("worker-a acquire = (%v, %v)", ok, err)
	}

	ok, err = m.AcquireLease(ctx, "job-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("worker-b acquire error: %v", err)
	}
	if ok {
		t.Fatal("worker-b acquired a held lease")
	}

	// Re-entrant for the same owner
	ok, _ = m.AcquireLease(ctx, "job-1", "worker-a", time.Minute)
	if !ok {
		t.Error("worker-a could not re-acquire its own lease")
	}

	if err := m.ReleaseLease(ctx, "job-1", "worker-a"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	ok, _ = m.AcquireLease(ctx, "job-1", "worker-b", time.Minute)
	if !ok {
		t.Error("worker-b could not acquire a released lease")
	}
}

func TestLeaseExpiryAllowsRecovery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	if ok, _ := m.AcquireLease(ctx, "job-1", "worker-a", time.Minute); !ok {
		t.Fatal("worker-a could not acquire")
	}

	// Advance past the TTL; the orphaned lease must be claimable
	now = now.Add(2 * time.Minute)
	ok, err := m.AcquireLease(ctx, "job-1", "worker-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("worker-b recovery acquire = (%v, %v)", ok, err)
	}

	// The expired owner can no longer renew
	if ok, _ := m.RenewLease(ctx, "job-1", "worker-a", time.Minute); ok {
		t.Error("expired lease was renewed")
	}
}

func TestAttemptAccounting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := m.IncrementAttempt(ctx, "job-1", "write", 10001)
		if err != nil {
			t.Fatalf("IncrementAttempt failed: %v", err)
		}
		if got != want {
			t.Errorf("attempt = %d, want %d", got, want)
		}
	}

	// Separate instances count independently
	got, _ := m.IncrementAttempt(ctx, "job-1", "write", 10002)
	if got != 1 {
		t.Errorf("attempt for other index = %d, want 1", got)
	}
}

func TestStepFlags(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, _ := m.TryAcquireStep(ctx, "job-1", "write", 10001, "worker-a", time.Minute)
	if !ok {
		t.Fatal("first TryAcquireStep failed")
	}
	ok, _ = m.TryAcquireStep(ctx, "job-1", "write", 10001, "worker-b", time.Minute)
	if ok {
		t.Fatal("second TryAcquireStep succeeded while flag held")
	}

	inflight, _ := m.InFlightSteps(ctx, "job-1")
	if !inflight[StepKey{Phase: "write", Index: 10001}] {
		t.Error("step not reported in flight")
	}

	_ = m.ReleaseStep(ctx, "job-1", "write", 10001, "worker-a")
	inflight, _ = m.InFlightSteps(ctx, "job-1")
	if len(inflight) != 0 {
		t.Errorf("in-flight after release: %v", inflight)
	}
}

func TestCacheEntryFirstWriteWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := &models.CacheEntry{Fingerprint: "fp", Payload: json.RawMessage(`"one"`)}
	second := &models.CacheEntry{Fingerprint: "fp", Payload: json.RawMessage(`"two"`)}
	if err := m.PutCacheEntry(ctx, first); err != nil {
		t.Fatalf("PutCacheEntry failed: %v", err)
	}
	if err := m.PutCacheEntry(ctx, second); err != nil {
		t.Fatalf("idempotent PutCacheEntry failed: %v", err)
	}

	got, err := m.GetCacheEntry(ctx, "fp")
	if err != nil {
		t.Fatalf("GetCacheEntry failed: %v", err)
	}
	if string(got.Payload) != `"one"` {
		t.Errorf("payload = %s, want first write", got.Payload)
	}
}

func TestCacheEviction(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	_ = m.PutCacheEntry(ctx, &models.CacheEntry{Fingerprint: "old"})
	now = now.Add(48 * time.Hour)
	_ = m.PutCacheEntry(ctx, &models.CacheEntry{Fingerprint: "fresh"})

	n, err := m.EvictCacheEntries(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("EvictCacheEntries failed: %v", err)
	}
	if n != 1 {
		t.Errorf("evicted %d entries, want 1", n)
	}
	if _, err := m.GetCacheEntry(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Error("old entry survived eviction")
	}
	if _, err := m.GetCacheEntry(ctx, "fresh"); err != nil {
		t.Error("fresh entry was evicted")
	}
}

func TestDeleteJobCascades(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	_ = m.PutCheckpoint(ctx, &models.Checkpoint{JobID: "job-1", Phase: "concept", Payload: json.RawMessage(`{}`)})
	_ = m.PutManuscript(ctx, &models.Manuscript{JobID: "job-1", Title: "T"})
	_ = m.PutCacheEntry(ctx, &models.CacheEntry{Fingerprint: "shared"})

	if err := m.DeleteJob(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := m.GetJob(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Error("job survived deletion")
	}
	if cps, _ := m.ListCheckpoints(ctx, "job-1"); len(cps) != 0 {
		t.Error("checkpoints survived deletion")
	}
	if _, err := m.GetManuscript(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Error("manuscript survived deletion")
	}
	// Cache entries are shared and never cascade
	if _, err := m.GetCacheEntry(ctx, "shared"); err != nil {
		t.Error("cache entry was deleted with the job")
	}
}

func TestListResumable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	stale := newJob("stale")
	stale.Status = models.StatusRunning
	_ = m.CreateJob(ctx, stale)

	leased := newJob("leased")
	leased.Status = models.StatusRunning
	_ = m.CreateJob(ctx, leased)

	done := newJob("done")
	done.Status = models.StatusComplete
	_ = m.CreateJob(ctx, done)

	if ok, _ := m.AcquireLease(ctx, "leased", "worker-a", time.Hour); !ok {
		t.Fatal("lease setup failed")
	}

	now = now.Add(15 * time.Minute)
	ids, err := m.ListResumable(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ListResumable failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Errorf("ListResumable = %v, want [stale]", ids)
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/bookforge/bookforge/pkg/models"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db), mock
}

func TestPostgresCreateJobConflict(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.CreateJob(context.Background(), newJob("job-1"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("CreateJob = %v, want ErrAlreadyExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresGetJob(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now()
	input, _ := json.Marshal(models.JobInput{Prompt: "p", TargetLengthWords: 10000})

	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "input", "status", "current_step", "progress", "last_error",
		"cover_status", "created_at", "updated_at", "started_at", "ended_at",
		"lease_owner", "lease_expires_at",
	}).AddRow("job-1", "user-1", input, "running", "write[2,1]", 40, "",
		"pending", now, now, now, nil, "worker-a", now.Add(time.Minute))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").WithArgs("job-1").WillReturnRows(rows)

	job, err := p.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.StatusRunning || job.CurrentStep != "write[2,1]" {
		t.Errorf("job = %+v", job)
	}
	if job.Input.Prompt != "p" {
		t.Errorf("input not decoded: %+v", job.Input)
	}
	if job.StartedAt == nil || job.EndedAt != nil {
		t.Errorf("timestamps = (%v, %v)", job.StartedAt, job.EndedAt)
	}
}

func TestPostgresGetJobNotFound(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := p.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob = %v, want ErrNotFound", err)
	}
}

func TestPostgresAcquireLeaseContested(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("UPDATE jobs SET lease_owner").
		WithArgs("job-1", "worker-b", 5*time.Minute).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := p.AcquireLease(context.Background(), "job-1", "worker-b", 5*time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if ok {
		t.Error("acquired a lease held by another worker")
	}
}

func TestPostgresPutCheckpointConflict(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO checkpoints").WillReturnResult(sqlmock.NewResult(0, 0))

	cp := &models.Checkpoint{
		JobID:   "job-1",
		Phase:   "concept",
		Payload: json.RawMessage(`{}`),
	}
	if err := p.PutCheckpoint(context.Background(), cp); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("PutCheckpoint = %v, want ErrAlreadyExists", err)
	}
}

func TestPostgresIncrementAttempt(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO step_attempts").
		WithArgs("job-1", "write", 10001).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))

	got, err := p.IncrementAttempt(context.Background(), "job-1", "write", 10001)
	if err != nil {
		t.Fatalf("IncrementAttempt failed: %v", err)
	}
	if got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPostgresListResumable(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id FROM jobs").
		WithArgs(10 * time.Minute).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1").AddRow("job-2"))

	ids, err := p.ListResumable(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("ListResumable failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "job-1" {
		t.Errorf("ids = %v", ids)
	}
}

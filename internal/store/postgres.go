package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/bookforge/bookforge/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is the production Store. Checkpoint writes rely on conditional
// inserts; the job lease on a compare-and-set over (lease_owner,
// lease_expires_at).
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects, verifies the connection and runs pending migrations
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection; used by tests with sqlmock
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "pgx")}
}

// Close releases the connection pool
func (p *Postgres) Close() error {
	return p.db.Close()
}

type jobRow struct {
	ID          string         `db:"id"`
	OwnerID     string         `db:"owner_id"`
	Input       []byte         `db:"input"`
	Status      string         `db:"status"`
	CurrentStep string         `db:"current_step"`
	Progress    int            `db:"progress"`
	LastError   string         `db:"last_error"`
	CoverStatus string         `db:"cover_status"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	EndedAt     sql.NullTime   `db:"ended_at"`
	LeaseOwner  sql.NullString `db:"lease_owner"`
	LeaseExpiry sql.NullTime   `db:"lease_expires_at"`
}

func (r *jobRow) toModel() (*models.Job, error) {
	job := &models.Job{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Status:      models.JobStatus(r.Status),
		CurrentStep: r.CurrentStep,
		Progress:    r.Progress,
		LastError:   r.LastError,
		CoverStatus: models.CoverStatus(r.CoverStatus),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Input, &job.Input); err != nil {
		return nil, fmt.Errorf("failed to decode job input: %w", err)
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		job.EndedAt = &t
	}
	return job, nil
}

const jobColumns = `id, owner_id, input, status, current_step, progress, last_error, cover_status,
	created_at, updated_at, started_at, ended_at, lease_owner, lease_expires_at`

func (p *Postgres) CreateJob(ctx context.Context, job *models.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("failed to encode job input: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, input, status, cover_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.OwnerID, input, string(job.Status), string(job.CoverStatus), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return row.toModel()
}

func (p *Postgres) UpdateJob(ctx context.Context, job *models.Job) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, current_step = $3, progress = $4, last_error = $5,
			cover_status = $6, started_at = $7, ended_at = $8, updated_at = now()
		WHERE id = $1`,
		job.ID, string(job.Status), job.CurrentStep, job.Progress, job.LastError,
		string(job.CoverStatus), job.StartedAt, job.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteJob(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET lease_owner = $2, lease_expires_at = now() + $3
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_expires_at < now() OR lease_owner = $2)`,
		jobID, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = now() + $3
		WHERE id = $1 AND lease_owner = $2 AND lease_expires_at > now()`,
		jobID, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2`,
		jobID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (p *Postgres) ListResumable(ctx context.Context, staleness time.Duration) ([]string, error) {
	var ids []string
	err := p.db.SelectContext(ctx, &ids, `
		SELECT id FROM jobs
		WHERE status IN ('queued', 'running')
		  AND (lease_expires_at IS NULL OR lease_expires_at < now())
		  AND updated_at < now() - $1
		ORDER BY id`,
		staleness)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable jobs: %w", err)
	}
	return ids, nil
}

func (p *Postgres) IncrementAttempt(ctx context.Context, jobID, phase string, index int) (int, error) {
	var attempts int
	err := p.db.GetContext(ctx, &attempts, `
		INSERT INTO step_attempts (job_id, phase, idx, attempts) VALUES ($1, $2, $3, 1)
		ON CONFLICT (job_id, phase, idx) DO UPDATE SET attempts = step_attempts.attempts + 1
		RETURNING attempts`,
		jobID, phase, index)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempt: %w", err)
	}
	return attempts, nil
}

func (p *Postgres) TryAcquireStep(ctx context.Context, jobID, phase string, index int, owner string, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO step_flags (job_id, phase, idx, owner, expires_at)
		VALUES ($1, $2, $3, $4, now() + $5)
		ON CONFLICT (job_id, phase, idx) DO UPDATE SET owner = $4, expires_at = now() + $5
		WHERE step_flags.expires_at < now() OR step_flags.owner = $4`,
		jobID, phase, index, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire step flag: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) ReleaseStep(ctx context.Context, jobID, phase string, index int, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM step_flags WHERE job_id = $1 AND phase = $2 AND idx = $3 AND owner = $4`,
		jobID, phase, index, owner)
	if err != nil {
		return fmt.Errorf("failed to release step flag: %w", err)
	}
	return nil
}

func (p *Postgres) InFlightSteps(ctx context.Context, jobID string) (map[StepKey]bool, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT phase, idx FROM step_flags WHERE job_id = $1 AND expires_at > now()`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step flags: %w", err)
	}
	defer rows.Close()

	out := make(map[StepKey]bool)
	for rows.Next() {
		var key StepKey
		if err := rows.Scan(&key.Phase, &key.Index); err != nil {
			return nil, fmt.Errorf("failed to scan step flag: %w", err)
		}
		out[key] = true
	}
	return out, rows.Err()
}

func (p *Postgres) PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	usage, err := json.Marshal(cp.Usage)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, phase, idx, payload, fingerprint, usage)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, phase, idx) DO NOTHING`,
		cp.JobID, cp.Phase, cp.Index, []byte(cp.Payload), cp.Fingerprint, usage)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

type checkpointRow struct {
	JobID       string    `db:"job_id"`
	Phase       string    `db:"phase"`
	Index       int       `db:"idx"`
	Payload     []byte    `db:"payload"`
	Fingerprint string    `db:"fingerprint"`
	Usage       []byte    `db:"usage"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *checkpointRow) toModel() (*models.Checkpoint, error) {
	cp := &models.Checkpoint{
		JobID:       r.JobID,
		Phase:       r.Phase,
		Index:       r.Index,
		Payload:     json.RawMessage(r.Payload),
		Fingerprint: r.Fingerprint,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Usage) > 0 {
		if err := json.Unmarshal(r.Usage, &cp.Usage); err != nil {
			return nil, fmt.Errorf("failed to decode usage: %w", err)
		}
	}
	return cp, nil
}

const checkpointColumns = `job_id, phase, idx, payload, fingerprint, usage, created_at`

func (p *Postgres) GetCheckpoint(ctx context.Context, jobID, phase string, index int) (*models.Checkpoint, error) {
	var row checkpointRow
	err := p.db.GetContext(ctx, &row, `
		SELECT `+checkpointColumns+` FROM checkpoints WHERE job_id = $1 AND phase = $2 AND idx = $3`,
		jobID, phase, index)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return row.toModel()
}

func (p *Postgres) ListCheckpoints(ctx context.Context, jobID string) ([]*models.Checkpoint, error) {
	var rows []checkpointRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+checkpointColumns+` FROM checkpoints WHERE job_id = $1 ORDER BY phase, idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]*models.Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (p *Postgres) PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, payload, location, content_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO NOTHING`,
		entry.Fingerprint, []byte(entry.Payload), entry.Location, entry.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

type cacheRow struct {
	Fingerprint string    `db:"fingerprint"`
	Payload     []byte    `db:"payload"`
	Location    string    `db:"location"`
	ContentHash string    `db:"content_hash"`
	CreatedAt   time.Time `db:"created_at"`
	LastHitAt   time.Time `db:"last_hit_at"`
}

func (p *Postgres) GetCacheEntry(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	var row cacheRow
	err := p.db.GetContext(ctx, &row, `
		UPDATE cache_entries SET last_hit_at = now() WHERE fingerprint = $1
		RETURNING fingerprint, payload, location, content_hash, created_at, last_hit_at`,
		fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entry: %w", err)
	}
	return &models.CacheEntry{
		Fingerprint: row.Fingerprint,
		Payload:     json.RawMessage(row.Payload),
		Location:    row.Location,
		ContentHash: row.ContentHash,
		CreatedAt:   row.CreatedAt,
		LastHitAt:   row.LastHitAt,
	}, nil
}

func (p *Postgres) EvictCacheEntries(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE last_hit_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to evict cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) PutManuscript(ctx context.Context, m *models.Manuscript) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manuscript: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO manuscripts (job_id, payload) VALUES ($1, $2)
		ON CONFLICT (job_id) DO UPDATE SET payload = $2`,
		m.JobID, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert manuscript: %w", err)
	}
	return nil
}

func (p *Postgres) GetManuscript(ctx context.Context, jobID string) (*models.Manuscript, error) {
	var payload []byte
	err := p.db.GetContext(ctx, &payload, `SELECT payload FROM manuscripts WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query manuscript: %w", err)
	}
	var m models.Manuscript
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manuscript: %w", err)
	}
	m.JobID = jobID
	return &m, nil
}

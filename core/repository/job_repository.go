package repository

import (
	"context"
	"database/sql"
	"time"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
)

// ErrJobNotFound is returned when no row matches a job ID
var ErrJobNotFound = errors.New("job not found")

// JobRepository handles database operations for render job attempts
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, lineage_id, attempt, status, forced, provider, region, accelerator_type,
	accelerator_count, machine_shape, preemptible, price_per_hour, backend_handle, config_uri,
	video_url, last_error, created_at, updated_at`

// SaveJob inserts or updates a job attempt and logs the status change, atomically
func (r *JobRepository) SaveJob(ctx context.Context, rec *models.JobRecord, reason string, meta map[string]interface{}) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var previous sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status FROM render_jobs WHERE id = $1 FOR UPDATE`, rec.JobID).Scan(&previous)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrapf(err, "reading job %s", rec.JobID)
	}

	query := `
		INSERT INTO render_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			backend_handle = EXCLUDED.backend_handle,
			config_uri = EXCLUDED.config_uri,
			video_url = EXCLUDED.video_url,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`
	p := rec.Placement
	_, err = tx.ExecContext(ctx, query,
		rec.JobID,
		rec.LineageID,
		rec.Attempt,
		rec.Status,
		rec.Forced,
		p.Provider,
		p.Region,
		p.AcceleratorType,
		p.AcceleratorCount,
		p.MachineShape,
		p.Preemptible,
		p.PricePerHour,
		rec.BackendHandle,
		rec.ConfigURI,
		rec.VideoURL,
		rec.LastError,
		timeOrNow(rec.CreatedAt),
		timeOrNow(rec.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "saving job %s", rec.JobID)
	}

	var from *models.JobStatus
	if previous.Valid {
		status := models.JobStatus(previous.String)
		if status == rec.Status {
			return tx.Commit()
		}
		from = &status
	}

	if err := createJobEventTx(ctx, tx, rec, from, reason, meta); err != nil {
		return err
	}
	return errors.WithStack(tx.Commit())
}

// GetJob retrieves a job attempt by ID
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = $1`, id)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading job %s", id)
	}
	return rec, nil
}

// ListLineage returns every attempt of a lineage in attempt order
func (r *JobRepository) ListLineage(ctx context.Context, lineageID string) ([]*models.JobRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM render_jobs WHERE lineage_id = $1 ORDER BY attempt, created_at`, lineageID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing lineage %s", lineageID)
	}
	defer rows.Close()

	var jobs []*models.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "scanning lineage %s", lineageID)
		}
		jobs = append(jobs, rec)
	}
	return jobs, errors.WithStack(rows.Err())
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.JobRecord, error) {
	var rec models.JobRecord
	err := row.Scan(
		&rec.JobID,
		&rec.LineageID,
		&rec.Attempt,
		&rec.Status,
		&rec.Forced,
		&rec.Placement.Provider,
		&rec.Placement.Region,
		&rec.Placement.AcceleratorType,
		&rec.Placement.AcceleratorCount,
		&rec.Placement.MachineShape,
		&rec.Placement.Preemptible,
		&rec.Placement.PricePerHour,
		&rec.BackendHandle,
		&rec.ConfigURI,
		&rec.VideoURL,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
)

// EventRepository handles database operations for job events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// GetJobEvents retrieves events for a job, oldest first
func (r *EventRepository) GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	query := `
		SELECT id, job_id, lineage_id, at, from_status, to_status, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY at, id
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "listing events for %s", jobID)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromStatus sql.NullString
		var metaJSON string

		err := rows.Scan(
			&event.ID,
			&event.JobID,
			&event.LineageID,
			&event.At,
			&fromStatus,
			&event.ToStatus,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "scanning events for %s", jobID)
		}

		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}

		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &event.MetaJSON); err != nil {
				return nil, errors.Wrapf(err, "parsing event meta for %s", jobID)
			}
		}

		events = append(events, event)
	}

	return events, errors.WithStack(rows.Err())
}

func createJobEventTx(ctx context.Context, tx *sql.Tx, rec *models.JobRecord, from *models.JobStatus, reason string, meta map[string]interface{}) error {
	query := `
		INSERT INTO job_events (job_id, lineage_id, at, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	var fromStatus *string
	if from != nil {
		s := string(*from)
		fromStatus = &s
	}

	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, query, rec.JobID, rec.LineageID, timeOrNow(rec.UpdatedAt), fromStatus, rec.Status, reason, metaJSON)
	return errors.Wrapf(err, "logging event for %s", rec.JobID)
}

func encodeMeta(meta map[string]interface{}) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", errors.Wrap(err, "encoding event meta")
	}
	return string(data), nil
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ArtifactType classifies objects a job produces or consumes
type ArtifactType string

const (
	ArtifactConfig ArtifactType = "config"
	ArtifactVideo  ArtifactType = "video"
)

// JobArtifact is an object in the asset store tied to a job attempt
type JobArtifact struct {
	ID        int64
	JobID     string
	Type      ArtifactType
	URI       string
	CreatedAt time.Time
	MetaJSON  map[string]interface{}
}

// ArtifactRepository handles database operations for job artifacts
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// GetJobArtifacts retrieves artifacts for a job, optionally filtered by type
func (r *ArtifactRepository) GetJobArtifacts(ctx context.Context, jobID string, artifactType *ArtifactType) ([]JobArtifact, error) {
	query := `
		SELECT id, job_id, type, uri, created_at, meta_json
		FROM job_artifacts
		WHERE job_id = $1
	`
	args := []interface{}{jobID}

	if artifactType != nil {
		query += fmt.Sprintf(" AND type = $%d", len(args)+1)
		args = append(args, *artifactType)
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "listing artifacts for %s", jobID)
	}
	defer rows.Close()

	var artifacts []JobArtifact
	for rows.Next() {
		var artifact JobArtifact
		var metaJSON string

		err := rows.Scan(
			&artifact.ID,
			&artifact.JobID,
			&artifact.Type,
			&artifact.URI,
			&artifact.CreatedAt,
			&metaJSON,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "scanning artifacts for %s", jobID)
		}

		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &artifact.MetaJSON); err != nil {
				return nil, errors.Wrapf(err, "parsing artifact meta for %s", jobID)
			}
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, errors.WithStack(rows.Err())
}

// CreateArtifact records an artifact. Recording the same artifact twice is a no-op.
func (r *ArtifactRepository) CreateArtifact(ctx context.Context, jobID string, artifactType ArtifactType, uri string, meta map[string]interface{}) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO job_artifacts (job_id, type, uri, meta_json, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (job_id, type, uri) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, query, jobID, artifactType, uri, metaJSON)
	return errors.Wrapf(err, "recording %s artifact for %s", artifactType, jobID)
}

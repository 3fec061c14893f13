package repository

import (
	"context"

	"gpu-render-orchestrator/core/models"
)

// Recorder persists every job record the supervisor produces, with an event per
// status change and an artifact row for the job config and the rendered video
type Recorder struct {
	jobs      *JobRepository
	artifacts *ArtifactRepository
}

// NewRecorder creates a Postgres-backed recorder
func NewRecorder(db *DB) *Recorder {
	return &Recorder{
		jobs:      NewJobRepository(db),
		artifacts: NewArtifactRepository(db),
	}
}

// Record implements supervisor.Recorder
func (r *Recorder) Record(ctx context.Context, rec *models.JobRecord, reason string) error {
	if err := r.jobs.SaveJob(ctx, rec, reason, eventMeta(rec)); err != nil {
		return err
	}

	if rec.ConfigURI != "" {
		if err := r.artifacts.CreateArtifact(ctx, rec.JobID, ArtifactConfig, rec.ConfigURI, nil); err != nil {
			return err
		}
	}
	if rec.Status == models.JobStatusCompleted && rec.VideoURL != "" {
		meta := map[string]interface{}{"lineage_id": rec.LineageID}
		if err := r.artifacts.CreateArtifact(ctx, rec.JobID, ArtifactVideo, rec.VideoURL, meta); err != nil {
			return err
		}
	}
	return nil
}

func eventMeta(rec *models.JobRecord) map[string]interface{} {
	meta := map[string]interface{}{
		"attempt":   rec.Attempt,
		"placement": rec.Placement.String(),
	}
	if rec.Forced {
		meta["forced"] = true
	}
	if rec.LastError != "" {
		meta["error"] = rec.LastError
	}
	return meta
}

// Archive reads back what the Recorder persisted
type Archive struct {
	*JobRepository
	*ArtifactRepository
}

// NewArchive creates a Postgres-backed archive
func NewArchive(db *DB) *Archive {
	return &Archive{
		JobRepository:      NewJobRepository(db),
		ArtifactRepository: NewArtifactRepository(db),
	}
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
)

// Object layout for one job. Every key derives from the job ID alone, so the render
// worker and the orchestrator agree without exchanging anything else.
func ConfigKey(jobID string) string { return fmt.Sprintf("jobs/%s/config.json", jobID) }
func StatusKey(jobID string) string { return fmt.Sprintf("jobs/%s/status.json", jobID) }
func OutputKey(jobID string) string { return fmt.Sprintf("jobs/%s/output.mp4", jobID) }

// AssetKey is where a lineage's staged input lives. Retries reuse it.
func AssetKey(lineageID, name string) string {
	return fmt.Sprintf("assets/%s/%s", lineageID, name)
}

// StatusFile is written by the render worker when it finishes
type StatusFile struct {
	Status    string  `json:"status"` // "completed" or "failed"
	JobID     string  `json:"job_id"`
	Error     string  `json:"error,omitempty"`
	VideoURL  string  `json:"video_url,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"` // Unix seconds
}

// JobStatus maps the worker's status string to a job status. Anything that is not
// "completed" or "failed" is not terminal.
func (s StatusFile) JobStatus() (models.JobStatus, bool) {
	switch s.Status {
	case "completed", "success", "succeeded":
		return models.JobStatusCompleted, true
	case "failed", "error":
		return models.JobStatusFailed, true
	default:
		return "", false
	}
}

// ReadStatusFile returns the status file for a job. found is false when the worker has not written it yet.
func ReadStatusFile(ctx context.Context, store AssetStore, jobID string) (sf StatusFile, found bool, err error) {
	data, err := store.GetObject(ctx, StatusKey(jobID))
	if errors.Is(err, ErrObjectNotFound) {
		return StatusFile{}, false, nil
	}
	if err != nil {
		return StatusFile{}, false, errors.Wrapf(err, "reading status file for %s", jobID)
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return StatusFile{}, false, errors.Wrapf(err, "parsing status file for %s", jobID)
	}
	return sf, true, nil
}

// WriteStatusFile writes a status file. Used by the CPU worker path and by tests.
func WriteStatusFile(ctx context.Context, store AssetStore, sf StatusFile, at time.Time) (string, error) {
	if sf.Timestamp == 0 {
		sf.Timestamp = float64(at.UnixNano()) / 1e9
	}
	data, err := json.Marshal(sf)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return store.PutObject(ctx, StatusKey(sf.JobID), data, "application/json")
}

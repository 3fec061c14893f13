package monitoring

import (
	"context"
	"fmt"
	"time"

	"gpu-render-orchestrator/core/metrics"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/storage"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// DefaultPollInterval matches the render worker's status reporting cadence
const DefaultPollInterval = 10 * time.Second

// StatusSource reports what the compute backend thinks of a job
type StatusSource interface {
	GetJobStatus(ctx context.Context, handle string) (models.BackendStatus, error)
}

// JobMonitor polls a submitted job until it reaches a terminal state
type JobMonitor struct {
	store        storage.AssetStore
	backend      StatusSource
	clock        clock.Clock
	pollInterval time.Duration
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(store storage.AssetStore, backend StatusSource, clk clock.Clock, pollInterval time.Duration) *JobMonitor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &JobMonitor{
		store:        store,
		backend:      backend,
		clock:        clk,
		pollInterval: pollInterval,
	}
}

// WaitForCompletion blocks until the job is COMPLETED or FAILED, or returns TIMEOUT once
// timeout has elapsed. Poll errors are retried on the next tick. On cancellation the
// record is returned as last observed, together with the context error.
func (jm *JobMonitor) WaitForCompletion(ctx context.Context, rec *models.JobRecord, timeout time.Duration) (*models.JobRecord, error) {
	rec = rec.Clone()
	if rec.Status.IsTerminal() {
		return rec, nil
	}

	start := jm.clock.Now()
	pollErrors := 0
	for {
		if err := ctx.Err(); err != nil {
			return rec, err
		}

		done, err := jm.poll(ctx, rec)
		if done {
			return rec, nil
		}
		if err != nil {
			pollErrors++
			metrics.PollError()
			log.WithFields(log.Fields{
				"job_id":      rec.JobID,
				"poll_errors": pollErrors,
			}).WithError(err).Warn("Polling job status failed, will retry")
		}

		elapsed := jm.clock.Since(start)
		if elapsed >= timeout {
			jm.finish(rec, models.JobStatusTimeout, fmt.Sprintf("job did not complete within %s", timeout), "")
			return rec, nil
		}

		wait := jm.pollInterval
		if remaining := timeout - elapsed; remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-jm.clock.After(wait):
		}
	}
}

// poll runs one tick. The status file written by the worker is authoritative; the
// backend is only asked when there is none.
func (jm *JobMonitor) poll(ctx context.Context, rec *models.JobRecord) (bool, error) {
	sf, found, err := storage.ReadStatusFile(ctx, jm.store, rec.JobID)
	if err != nil {
		return false, errors.Wrapf(models.ErrTransientPoll, "%v", err)
	}
	if found {
		if status, terminal := sf.JobStatus(); terminal {
			jm.finish(rec, status, sf.Error, sf.VideoURL)
			return true, nil
		}
	}

	if jm.backend == nil || rec.BackendHandle == "" {
		return false, nil
	}

	bs, err := jm.backend.GetJobStatus(ctx, rec.BackendHandle)
	if err != nil {
		return false, errors.Wrapf(models.ErrTransientPoll, "%v", err)
	}

	switch bs.State {
	case models.BackendRunning:
		if rec.Status == models.JobStatusPending {
			if err := rec.Transition(models.JobStatusRunning, jm.clock.Now()); err == nil {
				log.WithField("job_id", rec.JobID).Info("Job is running")
			}
		}
		return false, nil
	case models.BackendFailed:
		jm.finish(rec, models.JobStatusFailed, bs.Message, "")
		return true, nil
	case models.BackendCompleted:
		return jm.backendCompleted(ctx, rec)
	default:
		return false, nil
	}
}

// backendCompleted handles a container that exited cleanly. Without a status file the
// output object decides: present means success, absent means the worker never reported.
func (jm *JobMonitor) backendCompleted(ctx context.Context, rec *models.JobRecord) (bool, error) {
	exists, err := jm.store.Exists(ctx, storage.OutputKey(rec.JobID))
	if err != nil {
		return false, errors.Wrapf(models.ErrTransientPoll, "%v", err)
	}
	if exists {
		jm.finish(rec, models.JobStatusCompleted, "", jm.store.URI(storage.OutputKey(rec.JobID)))
	} else {
		jm.finish(rec, models.JobStatusFailed, "worker exited without writing a status file", "")
	}
	return true, nil
}

func (jm *JobMonitor) finish(rec *models.JobRecord, status models.JobStatus, message, videoURL string) {
	if err := rec.Transition(status, jm.clock.Now()); err != nil {
		log.WithField("job_id", rec.JobID).WithError(err).Warn("Ignoring terminal status")
		return
	}
	if status != models.JobStatusCompleted {
		rec.LastError = message
	}
	rec.VideoURL = videoURL
	metrics.JobFinished(status)

	log.WithFields(log.Fields{
		"job_id":    rec.JobID,
		"status":    status,
		"placement": rec.Placement.String(),
		"error":     rec.LastError,
	}).Info("Job finished")
}

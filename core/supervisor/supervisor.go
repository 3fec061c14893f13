// Package supervisor drives one render lineage from first submission to a final outcome,
// retrying preempted and failed attempts with exponential backoff and ending with a
// forced on-demand attempt when preemption keeps winning.
package supervisor

import (
	"context"
	"time"

	"gpu-render-orchestrator/core/catalog"
	"gpu-render-orchestrator/core/classify"
	"gpu-render-orchestrator/core/metrics"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/submitter"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Submitter starts job attempts
type Submitter interface {
	Submit(ctx context.Context, req *models.RenderRequest, attempt int) (*models.JobRecord, error)
	SubmitPinned(ctx context.Context, req *models.RenderRequest, opt models.PlacementOption, attempt int) (*models.JobRecord, error)
}

// Monitor waits for an attempt to finish
type Monitor interface {
	WaitForCompletion(ctx context.Context, rec *models.JobRecord, timeout time.Duration) (*models.JobRecord, error)
}

// Supervisor runs the retry state machine for one lineage at a time. It holds no
// per-lineage state, so one Supervisor can serve many concurrent Run calls.
type Supervisor struct {
	submitter  Submitter
	monitor    Monitor
	recorder   Recorder
	clock      clock.Clock
	policy     models.RetryPolicy
	jobTimeout time.Duration
}

// NewSupervisor creates a new supervisor. recorder may be nil.
func NewSupervisor(
	sub Submitter,
	monitor Monitor,
	recorder Recorder,
	clk clock.Clock,
	policy models.RetryPolicy,
	jobTimeout time.Duration,
) *Supervisor {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Supervisor{
		submitter:  sub,
		monitor:    monitor,
		recorder:   recorder,
		clock:      clk,
		policy:     policy,
		jobTimeout: jobTimeout,
	}
}

// Policy returns the retry policy in effect
func (s *Supervisor) Policy() models.RetryPolicy {
	return s.policy
}

// Run submits the request and supervises it to a final record. Preemption and capacity
// churn never surface as errors: the returned error is only ever a fatal configuration
// error or the context's error. On cancellation the last known record is returned as-is.
func (s *Supervisor) Run(ctx context.Context, req *models.RenderRequest) (*models.JobRecord, error) {
	if err := s.policy.Validate(); err != nil {
		return nil, err
	}

	logger := log.WithField("lineage_id", req.LineageID)
	var last *models.JobRecord

	for attempt := 0; ; attempt++ {
		rec, err := s.runAttempt(ctx, req, attempt, func() (*models.JobRecord, error) {
			return s.submitter.Submit(ctx, req, attempt)
		})
		if rec != nil {
			last = rec
		}
		if err != nil {
			return last, err
		}

		switch classify.Outcome(rec) {
		case classify.ClassCompleted:
			logger.WithFields(log.Fields{
				"job_id":  rec.JobID,
				"attempt": attempt,
			}).Info("Render completed")
			return rec, nil

		case classify.ClassPreempted:
			s.markPreempted(ctx, rec)
			if attempt >= s.policy.MaxRetries {
				logger.WithField("attempt", attempt).Warn("Preemption retries exhausted, forcing on-demand attempt")
				return s.forcedAttempt(ctx, req, rec, attempt+1)
			}
			metrics.Retried("preemption")

		default:
			if attempt >= s.policy.MaxRetries {
				logger.WithFields(log.Fields{
					"job_id":  rec.JobID,
					"status":  rec.Status,
					"attempt": attempt,
					"error":   rec.LastError,
				}).Error("Render failed, retries exhausted")
				return rec, nil
			}
			metrics.Retried(string(rec.Status))
		}

		delay := s.policy.Delay(attempt)
		logger.WithFields(log.Fields{
			"attempt": attempt,
			"status":  rec.Status,
			"delay":   delay,
		}).Info("Retrying render after backoff")
		if err := s.sleep(ctx, delay); err != nil {
			return last, err
		}
	}
}

// forcedAttempt is the guaranteed-final attempt on the on-demand variant of the
// preempted placement. Its result is returned whatever it is.
func (s *Supervisor) forcedAttempt(ctx context.Context, req *models.RenderRequest, preempted *models.JobRecord, attempt int) (*models.JobRecord, error) {
	metrics.ForcedFallback()
	opt := catalog.NonPreemptible(preempted.Placement)

	rec, err := s.runAttempt(ctx, req, attempt, func() (*models.JobRecord, error) {
		return s.submitter.SubmitPinned(ctx, req, opt, attempt)
	})
	if rec == nil {
		rec = preempted
	}
	if err == nil && rec.Status != models.JobStatusCompleted && rec.LastError == "" {
		rec.LastError = "forced on-demand attempt did not complete"
	}
	return rec, err
}

// runAttempt submits and waits. A submission error becomes a FAILED record so that it
// counts as an attempt. Only fatal configuration errors and cancellation are returned.
func (s *Supervisor) runAttempt(
	ctx context.Context,
	req *models.RenderRequest,
	attempt int,
	submit func() (*models.JobRecord, error),
) (*models.JobRecord, error) {
	rec, err := submit()
	if err != nil {
		if models.IsFatal(err) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		failed := s.failedSubmission(req, attempt, err)
		s.record(ctx, failed, "submission_failed")
		return failed, nil
	}
	s.record(ctx, rec, "submitted")

	final, err := s.monitor.WaitForCompletion(ctx, rec, s.jobTimeout)
	if final == nil {
		final = rec
	}
	if err != nil {
		return final, err
	}
	s.record(ctx, final, string(final.Status))
	return final, nil
}

func (s *Supervisor) failedSubmission(req *models.RenderRequest, attempt int, err error) *models.JobRecord {
	now := s.clock.Now()
	log.WithFields(log.Fields{
		"lineage_id": req.LineageID,
		"attempt":    attempt,
	}).WithError(err).Warn("Submission failed")
	metrics.JobFinished(models.JobStatusFailed)
	return &models.JobRecord{
		JobID:     submitter.NewJobID(),
		LineageID: req.LineageID,
		Status:    models.JobStatusFailed,
		Attempt:   attempt,
		LastError: err.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// markPreempted reclassifies a failed attempt. The PREEMPTED record is final for that
// job ID; the retry gets a new record.
func (s *Supervisor) markPreempted(ctx context.Context, rec *models.JobRecord) {
	if rec.Status == models.JobStatusPreempted {
		return
	}
	if err := rec.Transition(models.JobStatusPreempted, s.clock.Now()); err != nil {
		log.WithField("job_id", rec.JobID).WithError(err).Warn("Could not mark job preempted")
		return
	}
	metrics.JobFinished(models.JobStatusPreempted)
	s.record(ctx, rec, "preempted")
}

func (s *Supervisor) record(ctx context.Context, rec *models.JobRecord, reason string) {
	if err := s.recorder.Record(ctx, rec.Clone(), reason); err != nil {
		log.WithFields(log.Fields{
			"job_id": rec.JobID,
			"reason": reason,
		}).WithError(err).Warn("Failed to record job transition")
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

package models

import (
	"time"

	"github.com/pkg/errors"
)

// RenderRequest is a request to render one video on a GPU (or CPU) worker
type RenderRequest struct {
	LineageID       string
	Script          string
	ImagePaths      []string // Local paths or gs:// URIs
	AudioPath       string
	DurationSeconds int
	VoiceSettings   map[string]string
	VideoSettings   map[string]string
	Preemptible     bool
	Priority        int // Lower runs first
	SubmittedAt     time.Time
}

// JobStatus represents the current status of one job attempt
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPreempted JobStatus = "preempted"
	JobStatusTimeout   JobStatus = "timeout"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPreempted, JobStatusTimeout:
		return true
	}
	return false
}

// CanTransition enforces PENDING -> RUNNING -> terminal. A failed attempt may be
// reclassified as preempted; nothing else leaves a terminal state.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to.IsTerminal()
	case JobStatusRunning:
		return to.IsTerminal()
	case JobStatusFailed:
		return to == JobStatusPreempted
	default:
		return false
	}
}

// JobRecord tracks one submission attempt of a render lineage
type JobRecord struct {
	JobID         string
	LineageID     string
	Placement     PlacementOption
	Status        JobStatus
	Attempt       int
	Forced        bool // Forced non-preemptible final attempt
	LastError     string
	BackendHandle string
	ConfigURI     string
	VideoURL      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition moves the record to a new status, refusing non-monotonic moves
func (r *JobRecord) Transition(to JobStatus, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", r.JobID, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = at
	return nil
}

// Clone returns a copy safe to hand to another goroutine
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// BackendState is the coarse state reported by a compute backend
type BackendState string

const (
	BackendRunning   BackendState = "RUNNING"
	BackendCompleted BackendState = "COMPLETED"
	BackendFailed    BackendState = "FAILED"
)

// BackendStatus is what a compute backend reports for a submitted job
type BackendStatus struct {
	State   BackendState
	Message string // Free text, may carry preemption or capacity indicators
}

package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
)

// ErrLineageExists is returned when a request reuses a lineage ID the store already tracks
var ErrLineageExists = errors.New("lineage already exists")

// LineageState is the dispatcher's view of a render request
type LineageState string

const (
	LineageQueued    LineageState = "queued"
	LineageRunning   LineageState = "running"
	LineageCompleted LineageState = "completed"
	LineageFailed    LineageState = "failed"
	LineageCancelled LineageState = "cancelled"
)

// LineageView is a snapshot of one lineage and every attempt it made
type LineageView struct {
	LineageID   string
	State       LineageState
	Request     models.RenderRequest
	Attempts    []*models.JobRecord // In submission order
	Final       *models.JobRecord
	Error       string
	SubmittedAt time.Time
	FinishedAt  *time.Time
}

type lineageEntry struct {
	view  LineageView
	index map[string]int // job ID -> position in Attempts
	done  chan struct{}
}

// LineageStore keeps every job record per lineage in memory. It implements the
// supervisor's Recorder.
type LineageStore struct {
	mu       sync.RWMutex
	lineages map[string]*lineageEntry
	jobs     map[string]string // job ID -> lineage ID
}

// NewLineageStore creates an empty store
func NewLineageStore() *LineageStore {
	return &LineageStore{
		lineages: make(map[string]*lineageEntry),
		jobs:     make(map[string]string),
	}
}

// Accept registers a queued request. A lineage ID is accepted once for the life of the store.
func (ls *LineageStore) Accept(req *models.RenderRequest) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.lineages[req.LineageID]; ok {
		return errors.Wrapf(ErrLineageExists, "lineage %s", req.LineageID)
	}
	ls.lineages[req.LineageID] = &lineageEntry{
		view: LineageView{
			LineageID:   req.LineageID,
			State:       LineageQueued,
			Request:     *req,
			SubmittedAt: req.SubmittedAt,
		},
		index: make(map[string]int),
		done:  make(chan struct{}),
	}
	return nil
}

// Start marks a lineage as running
func (ls *LineageStore) Start(lineageID string) {
	ls.setState(lineageID, LineageRunning)
}

// Record implements supervisor.Recorder. A later record for the same job replaces the earlier one.
func (ls *LineageStore) Record(_ context.Context, rec *models.JobRecord, _ string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	entry, ok := ls.lineages[rec.LineageID]
	if !ok {
		entry = &lineageEntry{
			view:  LineageView{LineageID: rec.LineageID, State: LineageRunning},
			index: make(map[string]int),
			done:  make(chan struct{}),
		}
		ls.lineages[rec.LineageID] = entry
	}

	stored := rec.Clone()
	if i, seen := entry.index[rec.JobID]; seen {
		entry.view.Attempts[i] = stored
	} else {
		entry.index[rec.JobID] = len(entry.view.Attempts)
		entry.view.Attempts = append(entry.view.Attempts, stored)
	}
	ls.jobs[rec.JobID] = rec.LineageID
	return nil
}

// Finish stores the supervisor's outcome and wakes anyone waiting on the lineage
func (ls *LineageStore) Finish(lineageID string, final *models.JobRecord, err error, at time.Time) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	entry, ok := ls.lineages[lineageID]
	if !ok || isClosed(entry.done) {
		return
	}

	entry.view.Final = final.Clone()
	entry.view.FinishedAt = &at
	switch {
	case errors.Is(err, context.Canceled):
		entry.view.State = LineageCancelled
	case err != nil:
		entry.view.State = LineageFailed
		entry.view.Error = err.Error()
	case final != nil && final.Status == models.JobStatusCompleted:
		entry.view.State = LineageCompleted
	default:
		entry.view.State = LineageFailed
		if final != nil {
			entry.view.Error = final.LastError
		}
	}
	close(entry.done)
}

// Lineage returns a snapshot of a lineage
func (ls *LineageStore) Lineage(lineageID string) (LineageView, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	entry, ok := ls.lineages[lineageID]
	if !ok {
		return LineageView{}, false
	}
	return entry.snapshot(), true
}

// FindJob looks up a single attempt by job ID
func (ls *LineageStore) FindJob(jobID string) (*models.JobRecord, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	lineageID, ok := ls.jobs[jobID]
	if !ok {
		return nil, false
	}
	entry := ls.lineages[lineageID]
	return entry.view.Attempts[entry.index[jobID]].Clone(), true
}

// Done returns a channel closed when the lineage has finished
func (ls *LineageStore) Done(lineageID string) (<-chan struct{}, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	entry, ok := ls.lineages[lineageID]
	if !ok {
		return nil, false
	}
	return entry.done, true
}

// List returns all lineages, newest first
func (ls *LineageStore) List() []LineageView {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	out := make([]LineageView, 0, len(ls.lineages))
	for _, entry := range ls.lineages {
		out = append(out, entry.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

// RestoreView rebuilds a finished lineage from persisted attempts, in attempt order.
// A lineage whose last attempt never reached a terminal status was abandoned and counts as failed.
func RestoreView(lineageID string, attempts []*models.JobRecord) (LineageView, bool) {
	if len(attempts) == 0 {
		return LineageView{}, false
	}
	view := LineageView{
		LineageID:   lineageID,
		State:       LineageFailed,
		Attempts:    make([]*models.JobRecord, len(attempts)),
		SubmittedAt: attempts[0].CreatedAt,
	}
	for i, rec := range attempts {
		view.Attempts[i] = rec.Clone()
	}

	last := attempts[len(attempts)-1]
	view.Final = last.Clone()
	finished := last.UpdatedAt
	view.FinishedAt = &finished
	switch {
	case last.Status == models.JobStatusCompleted:
		view.State = LineageCompleted
	case !last.Status.IsTerminal():
		view.Error = "lineage was not supervised to completion"
	default:
		view.Error = last.LastError
	}
	return view, true
}

func (ls *LineageStore) setState(lineageID string, state LineageState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if entry, ok := ls.lineages[lineageID]; ok && !isClosed(entry.done) {
		entry.view.State = state
	}
}

func (e *lineageEntry) snapshot() LineageView {
	view := e.view
	view.Attempts = make([]*models.JobRecord, len(e.view.Attempts))
	for i, rec := range e.view.Attempts {
		view.Attempts[i] = rec.Clone()
	}
	view.Final = e.view.Final.Clone()
	return view
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

package scheduler

import (
	"context"
	"sync"

	"gpu-render-orchestrator/core/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Runner supervises one render lineage to its final record
type Runner interface {
	Run(ctx context.Context, req *models.RenderRequest) (*models.JobRecord, error)
}

// Scheduler feeds queued render requests to a fixed pool of workers. Each lineage runs
// under its own cancellable context, so lineages never block or cancel one another.
type Scheduler struct {
	queue    *RenderQueue
	runner   Runner
	lineages *LineageStore
	clock    clock.PassiveClock
	workers  int

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewScheduler creates a new scheduler
func NewScheduler(runner Runner, lineages *LineageStore, clk clock.PassiveClock, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		queue:    NewRenderQueue(),
		runner:   runner,
		lineages: lineages,
		clock:    clk,
		workers:  workers,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool. It returns immediately; Stop or ctx cancellation ends it.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	log.WithField("workers", s.workers).Info("Scheduler started")
}

// Stop stops the workers and cancels every running lineage, then waits for them
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.mu.Lock()
		for _, cancel := range s.cancels {
			cancel()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// Enqueue accepts a request and returns its lineage ID. A lineage ID that is already
// known is rejected with ErrLineageExists.
func (s *Scheduler) Enqueue(req *models.RenderRequest) (string, error) {
	if req.LineageID == "" {
		req.LineageID = "lineage-" + uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.clock.Now()
	}

	if err := s.lineages.Accept(req); err != nil {
		return "", err
	}
	s.queue.Enqueue(req)

	select {
	case s.wake <- struct{}{}:
	default:
	}

	log.WithFields(log.Fields{
		"lineage_id":  req.LineageID,
		"priority":    req.Priority,
		"preemptible": req.Preemptible,
		"queued":      s.queue.Size(),
	}).Info("Render request queued")
	return req.LineageID, nil
}

// Cancel stops a lineage: a queued request is dropped, a running one has its context cancelled
func (s *Scheduler) Cancel(lineageID string) error {
	if s.queue.Remove(lineageID) {
		s.lineages.Finish(lineageID, nil, context.Canceled, s.clock.Now())
		return nil
	}

	s.mu.Lock()
	cancel, ok := s.cancels[lineageID]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("lineage %s is not queued or running", lineageID)
	}
	cancel()
	return nil
}

// Lineage returns a snapshot of a lineage
func (s *Scheduler) Lineage(lineageID string) (LineageView, bool) {
	return s.lineages.Lineage(lineageID)
}

// List returns every lineage, newest first
func (s *Scheduler) List() []LineageView {
	return s.lineages.List()
}

// QueueLength returns the number of requests waiting for a worker
func (s *Scheduler) QueueLength() int {
	return s.queue.Size()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		req := s.queue.PopRequest()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-s.wake:
				continue
			}
		}

		// Another request may be waiting behind this one
		if s.queue.Size() > 0 {
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}

		s.process(ctx, id, req)
	}
}

func (s *Scheduler) process(ctx context.Context, workerID int, req *models.RenderRequest) {
	lineageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancels[req.LineageID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, req.LineageID)
		s.mu.Unlock()
	}()

	logger := log.WithFields(log.Fields{
		"lineage_id": req.LineageID,
		"worker":     workerID,
	})
	logger.Info("Processing render lineage")
	s.lineages.Start(req.LineageID)

	final, err := s.runner.Run(lineageCtx, req)
	s.lineages.Finish(req.LineageID, final, err, s.clock.Now())

	switch {
	case err != nil:
		logger.WithError(err).Warn("Render lineage ended with error")
	case final != nil:
		logger.WithFields(log.Fields{
			"job_id":  final.JobID,
			"status":  final.Status,
			"attempt": final.Attempt,
		}).Info("Render lineage finished")
	}
}

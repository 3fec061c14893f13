package scheduler

import (
	"container/heap"
	"sync"

	"gpu-render-orchestrator/core/models"
)

// RenderQueue is a priority queue of render requests
type RenderQueue struct {
	items []*QueuedRender
	seq   uint64
	mu    sync.Mutex
}

// QueuedRender wraps a request with its position information
type QueuedRender struct {
	Request *models.RenderRequest
	Seq     uint64 // Arrival order, breaks ties
	Index   int    // For heap.Interface
}

// NewRenderQueue creates a new render queue
func NewRenderQueue() *RenderQueue {
	rq := &RenderQueue{
		items: make([]*QueuedRender, 0),
	}
	heap.Init(rq)
	return rq
}

// Enqueue adds a request to the queue
func (rq *RenderQueue) Enqueue(req *models.RenderRequest) {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	rq.seq++
	heap.Push(rq, &QueuedRender{
		Request: req,
		Seq:     rq.seq,
	})
}

// PopRequest removes and returns the highest priority request
func (rq *RenderQueue) PopRequest() *models.RenderRequest {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	if rq.Len() == 0 {
		return nil
	}

	item := heap.Pop(rq).(*QueuedRender)
	return item.Request
}

// Remove drops a queued request by lineage. It reports whether it was queued.
func (rq *RenderQueue) Remove(lineageID string) bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()

	for _, item := range rq.items {
		if item.Request.LineageID == lineageID {
			heap.Remove(rq, item.Index)
			return true
		}
	}
	return false
}

// Size returns the number of queued requests
func (rq *RenderQueue) Size() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.Len()
}

// Len implements heap.Interface; callers must hold the lock
func (rq *RenderQueue) Len() int {
	return len(rq.items)
}

// Less orders by priority (lower first), then submission time, then arrival
func (rq *RenderQueue) Less(i, j int) bool {
	a, b := rq.items[i], rq.items[j]
	if a.Request.Priority != b.Request.Priority {
		return a.Request.Priority < b.Request.Priority
	}
	if !a.Request.SubmittedAt.Equal(b.Request.SubmittedAt) {
		return a.Request.SubmittedAt.Before(b.Request.SubmittedAt)
	}
	return a.Seq < b.Seq
}

// Swap swaps two requests
func (rq *RenderQueue) Swap(i, j int) {
	rq.items[i], rq.items[j] = rq.items[j], rq.items[i]
	rq.items[i].Index = i
	rq.items[j].Index = j
}

// Push implements heap.Interface
func (rq *RenderQueue) Push(x interface{}) {
	n := len(rq.items)
	item := x.(*QueuedRender)
	item.Index = n
	rq.items = append(rq.items, item)
}

// Pop implements heap.Interface
func (rq *RenderQueue) Pop() interface{} {
	old := rq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	rq.items = old[0 : n-1]
	return item
}

package monitoring

import (
	"context"
	"sync"

	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/placement"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var spendUSD = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gpu_render",
	Name:      "spend_usd_total",
	Help:      "Estimated spend of finished job attempts",
}, []string{"provider", "preemptible"})

// DefaultCostHistory is how many lineages a CostTracker remembers
const DefaultCostHistory = 10000

// CostTracker accumulates the estimated cost of every finished attempt per lineage.
// Once limit lineages are held, the oldest is forgotten for each new one.
type CostTracker struct {
	calc  *placement.CostCalculator
	limit int

	mu    sync.RWMutex
	costs map[string]*lineageCosts
	order []string // lineage IDs, oldest first
}

type lineageCosts struct {
	LineageCost
	charged map[string]bool // job IDs already charged
}

// LineageCost is the spend of one render lineage across all its attempts
type LineageCost struct {
	LineageID string
	Attempts  int
	TotalUSD  float64
	WastedUSD float64 // Attempts that did not complete
}

// NewCostTracker creates a cost tracker that remembers DefaultCostHistory lineages
func NewCostTracker(calc *placement.CostCalculator) *CostTracker {
	return NewBoundedCostTracker(calc, DefaultCostHistory)
}

// NewBoundedCostTracker creates a cost tracker that remembers at most limit lineages
func NewBoundedCostTracker(calc *placement.CostCalculator, limit int) *CostTracker {
	if limit < 1 {
		limit = 1
	}
	return &CostTracker{
		calc:  calc,
		limit: limit,
		costs: make(map[string]*lineageCosts),
	}
}

// Record adds the cost of a finished attempt. Non-terminal records are ignored and an
// attempt is charged once even when it is reclassified.
func (ct *CostTracker) Record(_ context.Context, rec *models.JobRecord, _ string) error {
	if !rec.Status.IsTerminal() {
		return nil
	}
	cost := ct.calc.EstimateCost(rec.Placement, rec.UpdatedAt.Sub(rec.CreatedAt))
	if cost < 0 {
		cost = 0
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	lc, ok := ct.costs[rec.LineageID]
	if !ok {
		lc = &lineageCosts{
			LineageCost: LineageCost{LineageID: rec.LineageID},
			charged:     make(map[string]bool),
		}
		ct.costs[rec.LineageID] = lc
		ct.order = append(ct.order, rec.LineageID)
		ct.evict()
	}
	if lc.charged[rec.JobID] {
		return nil
	}
	lc.charged[rec.JobID] = true
	lc.Attempts++
	lc.TotalUSD += cost
	if rec.Status != models.JobStatusCompleted {
		lc.WastedUSD += cost
	}

	preemptible := "false"
	if rec.Placement.Preemptible {
		preemptible = "true"
	}
	spendUSD.WithLabelValues(string(rec.Placement.Provider), preemptible).Add(cost)
	return nil
}

// GetLineageCost returns the accumulated cost of a lineage
func (ct *CostTracker) GetLineageCost(lineageID string) LineageCost {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	lc, ok := ct.costs[lineageID]
	if !ok {
		return LineageCost{LineageID: lineageID}
	}
	return lc.LineageCost
}

func (ct *CostTracker) evict() {
	for len(ct.order) > ct.limit {
		delete(ct.costs, ct.order[0])
		ct.order = ct.order[1:]
	}
}

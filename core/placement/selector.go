package placement

import (
	"context"

	"gpu-render-orchestrator/core/catalog"
	"gpu-render-orchestrator/core/metrics"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/quota"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// AvailabilityChecker reports remaining quota for a placement
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, q quota.Query) models.QuotaSnapshot
}

// ExclusionSet holds placements that failed with capacity exhaustion during one
// submission attempt. It is never shared between attempts or lineages.
type ExclusionSet map[string]models.PlacementOption

// NewExclusionSet creates an empty exclusion set
func NewExclusionSet() ExclusionSet {
	return make(ExclusionSet)
}

// Add excludes a placement
func (e ExclusionSet) Add(opt models.PlacementOption) {
	e[opt.Key()] = opt
}

// Contains reports whether a placement is excluded
func (e ExclusionSet) Contains(opt models.PlacementOption) bool {
	_, ok := e[opt.Key()]
	return ok
}

// Selector walks a catalog in priority order and picks the first placement with confirmed headroom
type Selector struct {
	checker AvailabilityChecker
	costs   *CostCalculator
}

// NewSelector creates a new selector
func NewSelector(checker AvailabilityChecker) *Selector {
	return &Selector{checker: checker, costs: NewCostCalculator()}
}

// SelectPlacement returns the first non-excluded placement whose quota snapshot shows
// headroom, or the CPU terminal entry. Unknown quota is treated as unavailable.
// It fails only when the CPU terminal itself has been excluded, or on cancellation.
func (s *Selector) SelectPlacement(ctx context.Context, cat *catalog.Catalog, excluded ExclusionSet) (models.PlacementOption, error) {
	for _, candidate := range cat.ListPlacements() {
		if excluded.Contains(candidate) {
			continue
		}

		if candidate.IsCPU() {
			s.selected(candidate, "cpu terminal")
			return candidate, nil
		}

		if err := ctx.Err(); err != nil {
			return models.PlacementOption{}, err
		}

		snap := s.checker.CheckAvailability(ctx, quota.QueryFor(candidate))
		if snap.HasHeadroom(candidate.QuotaDemand()) {
			s.selected(candidate, "quota headroom")
			return candidate, nil
		}

		log.WithFields(log.Fields{
			"placement": candidate.String(),
			"known":     snap.Known,
			"available": snap.Available,
		}).Debug("Skipping placement without confirmed headroom")
	}

	return models.PlacementOption{}, errors.Wrap(models.ErrFatalConfiguration,
		"every placement is excluded, including the CPU terminal entry")
}

func (s *Selector) selected(opt models.PlacementOption, reason string) {
	metrics.PlacementSelected(opt)
	log.WithFields(log.Fields{
		"placement":                 opt.String(),
		"priority":                  opt.Priority,
		"reason":                    reason,
		"effective_cost_per_render": s.costs.EffectiveCostPerRender(opt, ReferenceRenderTime),
		"expected_cost_per_render":  s.costs.ExpectedCostPerRender(opt, ReferenceRenderTime),
	}).Info("Placement selected")
}

package placement

import (
	"time"

	"gpu-render-orchestrator/core/models"
)

const (
	// ReferenceRenderTime is the CPU render time that quoted per-render costs assume
	ReferenceRenderTime = time.Hour

	// SpotInterruptionRate is the assumed chance that a preemptible render is interrupted
	SpotInterruptionRate = 0.1
)

// CostCalculator estimates what a render costs on a placement
type CostCalculator struct{}

// NewCostCalculator creates a new cost calculator
func NewCostCalculator() *CostCalculator {
	return &CostCalculator{}
}

// EstimateCost returns the cost of holding the placement for the given wall-clock time
func (cc *CostCalculator) EstimateCost(opt models.PlacementOption, d time.Duration) float64 {
	return opt.PricePerHour * d.Hours()
}

// EstimateRenderTime scales a CPU render time by the placement's speed factor
func (cc *CostCalculator) EstimateRenderTime(opt models.PlacementOption, cpuRenderTime time.Duration) time.Duration {
	speed := opt.SpeedFactor
	if speed <= 0 {
		speed = 1.0
	}
	return time.Duration(float64(cpuRenderTime) / speed)
}

// EffectiveCostPerRender combines price and speed: the cost of one render that would
// take cpuRenderTime on the CPU terminal
func (cc *CostCalculator) EffectiveCostPerRender(opt models.PlacementOption, cpuRenderTime time.Duration) float64 {
	return cc.EstimateCost(opt, cc.EstimateRenderTime(opt, cpuRenderTime))
}

// CalculateCostWithPreemption adds restart overhead for preemptible placements.
// Each expected interruption costs the time already spent plus a restart.
func (cc *CostCalculator) CalculateCostWithPreemption(
	opt models.PlacementOption,
	renderTime time.Duration,
	interruptionRate float64, // e.g., 0.1 = 10% chance per render
) float64 {
	baseCost := cc.EstimateCost(opt, renderTime)
	if !opt.Preemptible || interruptionRate <= 0 {
		return baseCost
	}

	// Each interruption adds ~10 minutes overhead (restart time) on average half the render lost
	overhead := interruptionRate * (renderTime.Hours()/2 + 10.0/60.0)
	return baseCost + opt.PricePerHour*overhead
}

// ExpectedCostPerRender is EffectiveCostPerRender plus the expected restart overhead of a
// preemptible placement
func (cc *CostCalculator) ExpectedCostPerRender(opt models.PlacementOption, cpuRenderTime time.Duration) float64 {
	return cc.CalculateCostWithPreemption(opt, cc.EstimateRenderTime(opt, cpuRenderTime), SpotInterruptionRate)
}

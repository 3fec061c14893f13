package catalog

import (
	"gpu-render-orchestrator/core/models"
)

// Derivations map a base catalog to a new one. None of them touch the base.

// preemptibleDiscount is the fixed fraction of the on-demand price charged for preemptible capacity
const preemptibleDiscount = 0.35

// WithPreemptibleVariants puts a preemptible copy of every on-demand GPU entry directly
// before it, so the cheaper market is tried first. CPU and already-preemptible entries
// are kept as they are.
func WithPreemptibleVariants(base *Catalog) *Catalog {
	seen := make(map[string]bool, base.Len())
	for _, opt := range base.options {
		seen[opt.Key()] = true
	}

	derived := make([]models.PlacementOption, 0, base.Len()*2)
	for _, opt := range base.options {
		if !opt.IsCPU() && !opt.Preemptible {
			variant := opt
			variant.Preemptible = true
			variant.PricePerHour = opt.PricePerHour * preemptibleDiscount
			if !seen[variant.Key()] {
				derived = append(derived, variant)
				seen[variant.Key()] = true
			}
		}
		derived = append(derived, opt)
	}
	return mustDerive(derived)
}

// OnDemandOnly drops preemptible GPU entries
func OnDemandOnly(base *Catalog) *Catalog {
	derived := make([]models.PlacementOption, 0, base.Len())
	for _, opt := range base.options {
		if opt.Preemptible && !opt.IsCPU() {
			continue
		}
		derived = append(derived, opt)
	}
	return mustDerive(derived)
}

// NonPreemptible returns the on-demand variant of an option (same region and accelerator)
func NonPreemptible(opt models.PlacementOption) models.PlacementOption {
	opt.Preemptible = false
	return opt
}

// Annotate returns a copy of the catalog with prices filled from the table. Entries
// without a matching key keep their configured price.
func Annotate(base *Catalog, prices map[string]float64) *Catalog {
	derived := base.ListPlacements()
	for i := range derived {
		if price, ok := prices[PriceKey(derived[i])]; ok && price > 0 {
			derived[i].PricePerHour = price
		}
	}
	return mustDerive(derived)
}

// PriceKey identifies a priceable shape: provider, region, shape and market
func PriceKey(opt models.PlacementOption) string {
	market := "ondemand"
	if opt.Preemptible {
		market = "spot"
	}
	return string(opt.Provider) + "|" + opt.Region + "|" + opt.MachineShape + "|" + market
}

// mustDerive rebuilds a catalog from options derived from an already valid one.
// Derivations preserve the invariants New checks, so an error here is a bug.
func mustDerive(options []models.PlacementOption) *Catalog {
	c, err := New(options)
	if err != nil {
		panic(err)
	}
	return c
}

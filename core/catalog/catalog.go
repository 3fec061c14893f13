package catalog

import (
	"gpu-render-orchestrator/core/models"
)

// Catalog is the ordered, immutable list of candidate placements. The order is the
// operator's preference ranking; the last entry is always the CPU-only terminal.
// A Catalog is safe to share between concurrent job lineages.
type Catalog struct {
	options []models.PlacementOption
}

// New validates the options and builds a catalog, assigning priorities from position
func New(options []models.PlacementOption) (*Catalog, error) {
	if len(options) == 0 {
		return nil, models.FatalConfigf("catalog is empty")
	}

	seen := make(map[string]int, len(options))
	cpuEntries := 0
	owned := make([]models.PlacementOption, len(options))

	for i, opt := range options {
		if opt.Provider == "" {
			return nil, models.FatalConfigf("catalog entry %d: provider is required", i)
		}
		if opt.Region == "" {
			return nil, models.FatalConfigf("catalog entry %d: region is required", i)
		}
		if opt.MachineShape == "" {
			return nil, models.FatalConfigf("catalog entry %d: machine shape is required", i)
		}
		if opt.AcceleratorCount < 0 {
			return nil, models.FatalConfigf("catalog entry %d: negative accelerator count", i)
		}
		if opt.IsCPU() {
			cpuEntries++
			opt.AcceleratorCount = 0
		} else if opt.AcceleratorCount == 0 {
			return nil, models.FatalConfigf("catalog entry %d: %s needs at least one accelerator", i, opt.AcceleratorType)
		}
		if prev, dup := seen[opt.Key()]; dup {
			return nil, models.FatalConfigf("catalog entries %d and %d are identical (%s)", prev, i, opt)
		}
		seen[opt.Key()] = i

		if opt.SpeedFactor <= 0 {
			opt.SpeedFactor = 1.0
		}
		opt.Priority = i
		owned[i] = opt
	}

	if cpuEntries != 1 {
		return nil, models.FatalConfigf("catalog must contain exactly one CPU terminal entry, found %d", cpuEntries)
	}
	if !owned[len(owned)-1].IsCPU() {
		return nil, models.FatalConfigf("CPU terminal entry must be last in the catalog")
	}

	return &Catalog{options: owned}, nil
}

// ListPlacements returns the placements in priority order. Each call returns a fresh copy.
func (c *Catalog) ListPlacements() []models.PlacementOption {
	out := make([]models.PlacementOption, len(c.options))
	copy(out, c.options)
	return out
}

// Len returns the number of placements
func (c *Catalog) Len() int {
	return len(c.options)
}

// Terminal returns the CPU-only entry
func (c *Catalog) Terminal() models.PlacementOption {
	return c.options[len(c.options)-1]
}

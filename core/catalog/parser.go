package catalog

import (
	"fmt"
	"os"

	"gpu-render-orchestrator/core/models"

	"gopkg.in/yaml.v3"
)

// CatalogSpec represents the YAML catalog file
type CatalogSpec struct {
	Placements []PlacementSpec `yaml:"placements"`
}

// PlacementSpec represents one catalog entry
type PlacementSpec struct {
	Provider     string  `yaml:"provider"`
	Region       string  `yaml:"region"`
	Accelerator  string  `yaml:"accelerator"` // NVIDIA_TESLA_T4 | T4 | NONE
	Count        int     `yaml:"count"`
	Machine      string  `yaml:"machine"`
	Preemptible  bool    `yaml:"preemptible"`
	PricePerHour float64 `yaml:"price_per_hour"`
	SpeedFactor  float64 `yaml:"speed_factor"`
	VCPUs        int     `yaml:"vcpus"`
}

// Parse parses a YAML catalog into a validated Catalog
func Parse(data []byte) (*Catalog, error) {
	var spec CatalogSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, models.FatalConfigf("failed to parse catalog YAML: %v", err)
	}

	options := make([]models.PlacementOption, 0, len(spec.Placements))
	for i, p := range spec.Placements {
		acc, err := models.ParseAcceleratorType(p.Accelerator)
		if err != nil {
			return nil, models.FatalConfigf("catalog entry %d: %v", i, err)
		}

		provider, err := parseProvider(p.Provider)
		if err != nil {
			return nil, models.FatalConfigf("catalog entry %d: %v", i, err)
		}

		count := p.Count
		if count == 0 && acc != models.AcceleratorNone {
			count = 1 // Default to a single accelerator
		}

		options = append(options, models.PlacementOption{
			Provider:         provider,
			Region:           p.Region,
			AcceleratorType:  acc,
			AcceleratorCount: count,
			MachineShape:     p.Machine,
			Preemptible:      p.Preemptible,
			PricePerHour:     p.PricePerHour,
			SpeedFactor:      p.SpeedFactor,
			VCPUs:            p.VCPUs,
		})
	}

	return New(options)
}

// Load reads and parses a catalog file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.FatalConfigf("failed to read catalog %s: %v", path, err)
	}
	return Parse(data)
}

func parseProvider(s string) (models.Provider, error) {
	switch s {
	case "", string(models.ProviderVertex), "gcp", "vertex":
		return models.ProviderVertex, nil
	case string(models.ProviderEC2), "aws", "ec2":
		return models.ProviderEC2, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

package catalog

import (
	"gpu-render-orchestrator/core/models"
)

// Default returns the built-in placement matrix, cheapest useful accelerator first.
// Prices are list prices per hour and are refreshed by the pricing annotator where possible.
func Default() *Catalog {
	gpuOptions := []struct {
		Provider     models.Provider
		Region       string
		Accelerator  models.AcceleratorType
		Count        int
		Machine      string
		PricePerHour float64
		SpeedFactor  float64
		VCPUs        int
	}{
		{models.ProviderVertex, "us-central1", models.AcceleratorT4, 1, "n1-standard-4", 0.54, 6.0, 4},
		{models.ProviderVertex, "us-central1", models.AcceleratorL4, 1, "g2-standard-8", 0.85, 9.0, 8},
		{models.ProviderVertex, "us-east1", models.AcceleratorT4, 1, "n1-standard-4", 0.54, 6.0, 4},
		{models.ProviderVertex, "europe-west4", models.AcceleratorT4, 1, "n1-standard-4", 0.59, 6.0, 4},
		{models.ProviderVertex, "us-central1", models.AcceleratorV100, 1, "n1-standard-8", 2.86, 10.0, 8},
		{models.ProviderEC2, "us-east-1", models.AcceleratorA10G, 1, "g5.xlarge", 1.006, 9.0, 4},
		{models.ProviderEC2, "us-east-1", models.AcceleratorT4, 1, "g4dn.xlarge", 0.526, 6.0, 4},
	}

	options := make([]models.PlacementOption, 0, len(gpuOptions)+1)
	for _, gpu := range gpuOptions {
		options = append(options, models.PlacementOption{
			Provider:         gpu.Provider,
			Region:           gpu.Region,
			AcceleratorType:  gpu.Accelerator,
			AcceleratorCount: gpu.Count,
			MachineShape:     gpu.Machine,
			PricePerHour:     gpu.PricePerHour,
			SpeedFactor:      gpu.SpeedFactor,
			VCPUs:            gpu.VCPUs,
		})
	}

	// CPU terminal, never quota-checked
	options = append(options, models.PlacementOption{
		Provider:        models.ProviderVertex,
		Region:          "us-central1",
		AcceleratorType: models.AcceleratorNone,
		MachineShape:    "n1-highcpu-16",
		PricePerHour:    0.57,
		SpeedFactor:     1.0,
		VCPUs:           16,
	})

	return mustDerive(options)
}

package models

import (
	"fmt"
	"strings"
)

// Provider represents the compute backend a placement runs on
type Provider string

const (
	ProviderVertex Provider = "gcp-vertex"
	ProviderEC2    Provider = "aws-ec2"
)

// AcceleratorType identifies a GPU class, or NONE for CPU-only placements
type AcceleratorType string

const (
	AcceleratorT4   AcceleratorType = "NVIDIA_TESLA_T4"
	AcceleratorL4   AcceleratorType = "NVIDIA_L4"
	AcceleratorV100 AcceleratorType = "NVIDIA_TESLA_V100"
	AcceleratorA100 AcceleratorType = "NVIDIA_TESLA_A100"
	AcceleratorA10G AcceleratorType = "NVIDIA_A10G"
	AcceleratorNone AcceleratorType = "NONE"
)

// ParseAcceleratorType parses an accelerator name. Empty and "CPU" map to NONE.
func ParseAcceleratorType(s string) (AcceleratorType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE", "CPU":
		return AcceleratorNone, nil
	case string(AcceleratorT4), "T4":
		return AcceleratorT4, nil
	case string(AcceleratorL4), "L4":
		return AcceleratorL4, nil
	case string(AcceleratorV100), "V100":
		return AcceleratorV100, nil
	case string(AcceleratorA100), "A100":
		return AcceleratorA100, nil
	case string(AcceleratorA10G), "A10G":
		return AcceleratorA10G, nil
	default:
		return "", fmt.Errorf("unknown accelerator type %q", s)
	}
}

// PlacementOption is one candidate place to run a render job.
// Values are never mutated once a catalog is built; derived catalogs copy them.
type PlacementOption struct {
	Provider         Provider
	Region           string
	AcceleratorType  AcceleratorType
	AcceleratorCount int
	MachineShape     string // "n1-standard-4", "g4dn.xlarge"
	Preemptible      bool
	Priority         int // Position in the catalog, lower is tried first

	// Cost/speed profile
	PricePerHour float64 // USD, 0 when unknown
	SpeedFactor  float64 // Relative render throughput, CPU = 1.0
	VCPUs        int     // Used by vCPU-denominated quotas (AWS)
}

// IsCPU reports whether the option is the CPU-only terminal entry
func (o PlacementOption) IsCPU() bool {
	return o.AcceleratorType == AcceleratorNone
}

// Key is the identity of an option. Priority and cost are not part of it.
func (o PlacementOption) Key() string {
	return fmt.Sprintf("%s/%s/%s/%d/%s/%t",
		o.Provider, o.Region, o.AcceleratorType, o.AcceleratorCount, o.MachineShape, o.Preemptible)
}

// QuotaDemand returns how many quota units one job on this option consumes
func (o PlacementOption) QuotaDemand() float64 {
	demand := o.AcceleratorCount
	if o.Provider == ProviderEC2 && o.VCPUs > 0 {
		demand = o.VCPUs
	}
	if demand < 1 {
		demand = 1
	}
	return float64(demand)
}

func (o PlacementOption) String() string {
	market := "on-demand"
	if o.Preemptible {
		market = "preemptible"
	}
	if o.IsCPU() {
		return fmt.Sprintf("%s %s cpu %s (%s)", o.Provider, o.Region, o.MachineShape, market)
	}
	return fmt.Sprintf("%s %s %dx%s %s (%s)",
		o.Provider, o.Region, o.AcceleratorCount, o.AcceleratorType, o.MachineShape, market)
}

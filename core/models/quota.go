package models

import "math"

// QuotaSnapshot is the result of one quota query. Available is only trusted when Known is set,
// which requires limit and usage from the same query.
type QuotaSnapshot struct {
	Provider        Provider
	Region          string
	AcceleratorType AcceleratorType
	Limit           float64
	Used            float64
	Available       float64
	Known           bool
	Unlimited       bool // CPU sentinel, never quota-checked
	Err             string
}

// UnlimitedSnapshot is the "always ok" sentinel returned for CPU placements
func UnlimitedSnapshot(region string) QuotaSnapshot {
	return QuotaSnapshot{
		Region:          region,
		AcceleratorType: AcceleratorNone,
		Limit:           math.Inf(1),
		Available:       math.Inf(1),
		Known:           true,
		Unlimited:       true,
	}
}

// UnknownSnapshot records a failed query. It never counts as headroom.
func UnknownSnapshot(provider Provider, region string, acc AcceleratorType, err error) QuotaSnapshot {
	s := QuotaSnapshot{Provider: provider, Region: region, AcceleratorType: acc}
	if err != nil {
		s.Err = err.Error()
	}
	return s
}

// KnownSnapshot derives availability from a limit and usage read together
func KnownSnapshot(provider Provider, region string, acc AcceleratorType, limit, used float64) QuotaSnapshot {
	return QuotaSnapshot{
		Provider:        provider,
		Region:          region,
		AcceleratorType: acc,
		Limit:           limit,
		Used:            used,
		Available:       limit - used,
		Known:           true,
	}
}

// HasHeadroom reports whether a job demanding the given units fits. Unknown is never headroom.
func (s QuotaSnapshot) HasHeadroom(demand float64) bool {
	if s.Unlimited {
		return true
	}
	if !s.Known {
		return false
	}
	if demand < 1 {
		demand = 1
	}
	return s.Available > 0 && s.Available >= demand
}

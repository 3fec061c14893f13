package quota

import (
	"context"
	"math"
	"time"

	"gpu-render-orchestrator/core/metrics"
	"gpu-render-orchestrator/core/models"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Query identifies the quota bucket a placement draws from
type Query struct {
	Provider        models.Provider
	Region          string
	AcceleratorType models.AcceleratorType
	Preemptible     bool
	MachineShape    string
}

// QueryFor builds the quota query for a placement option
func QueryFor(opt models.PlacementOption) Query {
	return Query{
		Provider:        opt.Provider,
		Region:          opt.Region,
		AcceleratorType: opt.AcceleratorType,
		Preemptible:     opt.Preemptible,
		MachineShape:    opt.MachineShape,
	}
}

// Usage is what a quota backend reports: limit and usage read in one query
type Usage struct {
	Limit float64
	Used  float64
}

// Backend queries a live source of truth for quota
type Backend interface {
	GetQuota(ctx context.Context, q Query) (Usage, error)
}

// Probe checks remaining accelerator capacity. It never fails: any problem becomes an
// unknown snapshot, which callers treat as not available.
type Probe struct {
	backend Backend
	timeout time.Duration
}

// NewProbe creates a probe bounded by the given per-query timeout
func NewProbe(backend Backend, timeout time.Duration) *Probe {
	return &Probe{
		backend: backend,
		timeout: timeout,
	}
}

// CheckAvailability returns a fresh snapshot for the query
func (p *Probe) CheckAvailability(ctx context.Context, q Query) models.QuotaSnapshot {
	if q.AcceleratorType == models.AcceleratorNone {
		metrics.QuotaProbed(q.Provider, "unlimited")
		snap := models.UnlimitedSnapshot(q.Region)
		snap.Provider = q.Provider
		return snap
	}

	if p.backend == nil {
		return p.unknown(q, errors.Wrap(models.ErrQuotaUnknown, "no quota backend configured"))
	}

	queryCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	usage, err := p.backend.GetQuota(queryCtx, q)
	if err != nil {
		return p.unknown(q, err)
	}
	if !validQuantity(usage.Limit) || !validQuantity(usage.Used) {
		return p.unknown(q, errors.Wrapf(models.ErrQuotaUnknown, "implausible quota values limit=%v used=%v", usage.Limit, usage.Used))
	}

	snap := models.KnownSnapshot(q.Provider, q.Region, q.AcceleratorType, usage.Limit, usage.Used)
	if snap.Available > 0 {
		metrics.QuotaProbed(q.Provider, "available")
	} else {
		metrics.QuotaProbed(q.Provider, "exhausted")
	}

	log.WithFields(log.Fields{
		"provider":    q.Provider,
		"region":      q.Region,
		"accelerator": q.AcceleratorType,
		"preemptible": q.Preemptible,
		"limit":       usage.Limit,
		"used":        usage.Used,
	}).Debug("Quota probed")

	return snap
}

func (p *Probe) unknown(q Query, err error) models.QuotaSnapshot {
	metrics.QuotaProbed(q.Provider, "unknown")
	log.WithFields(log.Fields{
		"provider":    q.Provider,
		"region":      q.Region,
		"accelerator": q.AcceleratorType,
	}).WithError(err).Warn("Quota unknown, treating as unavailable")
	return models.UnknownSnapshot(q.Provider, q.Region, q.AcceleratorType, err)
}

func validQuantity(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

package gcp

import (
	"context"
	"strings"

	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/quota"

	"github.com/pkg/errors"
	"google.golang.org/api/compute/v1"
)

// gpuMetrics maps accelerators to Compute Engine regional quota metrics
var gpuMetrics = map[models.AcceleratorType]string{
	models.AcceleratorT4:   "NVIDIA_T4_GPUS",
	models.AcceleratorL4:   "NVIDIA_L4_GPUS",
	models.AcceleratorV100: "NVIDIA_V100_GPUS",
	models.AcceleratorA100: "NVIDIA_A100_GPUS",
}

// QuotaMetric returns the regional quota metric a placement draws from
func QuotaMetric(acc models.AcceleratorType, preemptible bool) (string, error) {
	metric, ok := gpuMetrics[acc]
	if !ok {
		return "", errors.Errorf("no GCP quota metric for accelerator %s", acc)
	}
	if preemptible {
		metric = "PREEMPTIBLE_" + metric
	}
	return metric, nil
}

// QuotaBackend reads GPU quotas from Compute Engine regions
type QuotaBackend struct {
	client *Client
}

// NewQuotaBackend creates a quota backend
func NewQuotaBackend(client *Client) *QuotaBackend {
	return &QuotaBackend{client: client}
}

// GetQuota implements quota.Backend. Limit and usage come from the same region read.
func (b *QuotaBackend) GetQuota(ctx context.Context, q quota.Query) (quota.Usage, error) {
	metric, err := QuotaMetric(q.AcceleratorType, q.Preemptible)
	if err != nil {
		return quota.Usage{}, err
	}
	region, err := b.client.compute.Regions.Get(b.client.projectID, q.Region).Context(ctx).Do()
	if err != nil {
		return quota.Usage{}, errors.Wrapf(err, "reading quotas for %s", q.Region)
	}
	return findQuota(region.Quotas, metric)
}

func findQuota(quotas []*compute.Quota, metric string) (quota.Usage, error) {
	for _, q := range quotas {
		if q != nil && strings.EqualFold(q.Metric, metric) {
			return quota.Usage{Limit: q.Limit, Used: q.Usage}, nil
		}
	}
	return quota.Usage{}, errors.Errorf("quota metric %s not reported", metric)
}

package aws

import (
	"context"
	"strings"

	"gpu-render-orchestrator/core/quota"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/servicequotas"
	"github.com/pkg/errors"
)

// EC2 accelerated instance quotas are counted in vCPUs per instance family and market
var quotaCodes = map[string]map[bool]string{
	"g": {false: "L-DB2E81BA", true: "L-3819A6DF"},
	"p": {false: "L-417A185B", true: "L-7212CCBC"},
}

// instanceFamily returns the quota family of an instance type: "g4dn.xlarge" -> "g"
func instanceFamily(instanceType string) string {
	if instanceType == "" {
		return ""
	}
	return strings.ToLower(instanceType[:1])
}

// QuotaCode returns the Service Quotas code covering an instance type and market
func QuotaCode(instanceType string, spot bool) (string, error) {
	codes, ok := quotaCodes[instanceFamily(instanceType)]
	if !ok {
		return "", errors.Errorf("no vCPU quota known for instance type %s", instanceType)
	}
	return codes[spot], nil
}

// QuotaBackend reads vCPU quotas from Service Quotas and usage from running instances
type QuotaBackend struct {
	client *Client
}

// NewQuotaBackend creates a quota backend
func NewQuotaBackend(client *Client) *QuotaBackend {
	return &QuotaBackend{client: client}
}

// GetQuota implements quota.Backend
func (b *QuotaBackend) GetQuota(ctx context.Context, q quota.Query) (quota.Usage, error) {
	code, err := QuotaCode(q.MachineShape, q.Preemptible)
	if err != nil {
		return quota.Usage{}, err
	}

	out, err := b.client.quotasFor(q.Region).GetServiceQuota(ctx, &servicequotas.GetServiceQuotaInput{
		ServiceCode: aws.String("ec2"),
		QuotaCode:   aws.String(code),
	})
	if err != nil {
		return quota.Usage{}, errors.Wrapf(err, "reading quota %s in %s", code, q.Region)
	}
	if out.Quota == nil || out.Quota.Value == nil {
		return quota.Usage{}, errors.Errorf("quota %s in %s has no value", code, q.Region)
	}

	used, err := b.runningVCPUs(ctx, q.Region, instanceFamily(q.MachineShape), q.Preemptible)
	if err != nil {
		return quota.Usage{}, err
	}
	return quota.Usage{Limit: *out.Quota.Value, Used: used}, nil
}

func (b *QuotaBackend) runningVCPUs(ctx context.Context, region, family string, spot bool) (float64, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []string{"pending", "running"},
		}},
	}
	paginator := ec2.NewDescribeInstancesPaginator(b.client.ec2For(region), input)

	var used float64
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, errors.Wrapf(err, "listing instances in %s", region)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				if instanceFamily(string(inst.InstanceType)) != family {
					continue
				}
				if (inst.InstanceLifecycle == types.InstanceLifecycleTypeSpot) != spot {
					continue
				}
				used += float64(instanceVCPUs(inst))
			}
		}
	}
	return used, nil
}

func instanceVCPUs(inst types.Instance) int32 {
	if inst.CpuOptions == nil {
		return 0
	}
	cores := aws.ToInt32(inst.CpuOptions.CoreCount)
	threads := aws.ToInt32(inst.CpuOptions.ThreadsPerCore)
	if threads == 0 {
		threads = 1
	}
	return cores * threads
}

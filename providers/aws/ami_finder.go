package aws

import (
	"context"

	"gpu-render-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/pkg/errors"
)

// renderAMIPattern matches the AWS Deep Learning base AMI, which ships NVIDIA drivers and Docker
const renderAMIPattern = "Deep Learning Base OSS Nvidia Driver GPU AMI (Ubuntu 22.04)*"

// FindRenderAMI returns the newest available render AMI in a region. Results are cached.
func (b *EC2Backend) FindRenderAMI(ctx context.Context, region string) (string, error) {
	if b.settings.AMI != "" {
		return b.settings.AMI, nil
	}

	b.mu.Lock()
	ami, ok := b.amis[region]
	b.mu.Unlock()
	if ok {
		return ami, nil
	}

	input := &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []types.Filter{
			{
				Name:   aws.String("name"),
				Values: []string{renderAMIPattern},
			},
			{
				Name:   aws.String("state"),
				Values: []string{"available"},
			},
		},
	}

	result, err := b.client.ec2For(region).DescribeImages(ctx, input)
	if err != nil {
		return "", errors.Wrapf(err, "describing images in %s", region)
	}

	ami = newestImage(result.Images)
	if ami == "" {
		return "", models.FatalConfigf("no render AMI found in region %s", region)
	}

	b.mu.Lock()
	b.amis[region] = ami
	b.mu.Unlock()
	return ami, nil
}

// newestImage picks the image with the latest creation date. Dates are ISO 8601, so
// they order as strings.
func newestImage(images []types.Image) string {
	var newest types.Image
	for _, img := range images {
		if img.ImageId == nil {
			continue
		}
		if newest.ImageId == nil || stringValue(img.CreationDate) > stringValue(newest.CreationDate) {
			newest = img
		}
	}
	return stringValue(newest.ImageId)
}

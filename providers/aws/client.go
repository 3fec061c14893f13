package aws

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/servicequotas"
	"github.com/pkg/errors"
)

// pricingRegion is where the AWS Price List API is served
const pricingRegion = "us-east-1"

// EC2API is the part of the EC2 client the provider uses
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// QuotasAPI is the part of the Service Quotas client the provider uses
type QuotasAPI interface {
	GetServiceQuota(ctx context.Context, params *servicequotas.GetServiceQuotaInput, optFns ...func(*servicequotas.Options)) (*servicequotas.GetServiceQuotaOutput, error)
}

// PricingAPI is the part of the Pricing client the provider uses
type PricingAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// Client is the AWS provider client. EC2 and Service Quotas are regional, so clients
// are built per region on first use.
type Client struct {
	newEC2    func(region string) EC2API
	newQuotas func(region string) QuotasAPI
	pricing   PricingAPI

	mu     sync.Mutex
	ec2    map[string]EC2API
	quotas map[string]QuotasAPI
}

// NewClient creates a new AWS client from the default credential chain
func NewClient(ctx context.Context, defaultRegion string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if defaultRegion != "" {
		opts = append(opts, config.WithRegion(defaultRegion))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}

	return newClient(
		func(region string) EC2API {
			return ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Region = region })
		},
		func(region string) QuotasAPI {
			return servicequotas.NewFromConfig(cfg, func(o *servicequotas.Options) { o.Region = region })
		},
		pricing.NewFromConfig(cfg, func(o *pricing.Options) { o.Region = pricingRegion }),
	), nil
}

func newClient(newEC2 func(string) EC2API, newQuotas func(string) QuotasAPI, pricingAPI PricingAPI) *Client {
	return &Client{
		newEC2:    newEC2,
		newQuotas: newQuotas,
		pricing:   pricingAPI,
		ec2:       make(map[string]EC2API),
		quotas:    make(map[string]QuotasAPI),
	}
}

func (c *Client) ec2For(region string) EC2API {
	c.mu.Lock()
	defer c.mu.Unlock()
	api, ok := c.ec2[region]
	if !ok {
		api = c.newEC2(region)
		c.ec2[region] = api
	}
	return api
}

func (c *Client) quotasFor(region string) QuotasAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	api, ok := c.quotas[region]
	if !ok {
		api = c.newQuotas(region)
		c.quotas[region] = api
	}
	return api
}

func stringValue(s *string) string {
	return aws.ToString(s)
}

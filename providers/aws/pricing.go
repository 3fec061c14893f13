package aws

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"gpu-render-orchestrator/core/catalog"
	"gpu-render-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PriceFetcher reads live EC2 prices for the AWS entries of a catalog
type PriceFetcher struct {
	client *Client
	now    func() time.Time
}

// NewPriceFetcher creates a price fetcher
func NewPriceFetcher(client *Client) *PriceFetcher {
	return &PriceFetcher{client: client, now: time.Now}
}

// FetchPrices returns hourly USD prices keyed by catalog.PriceKey. On-demand prices come
// from the Price List API, spot prices from the lowest current spot price across zones.
// Shapes whose price cannot be read are left out and keep their configured price.
func (f *PriceFetcher) FetchPrices(ctx context.Context, cat *catalog.Catalog) (map[string]float64, error) {
	prices := make(map[string]float64)
	for _, opt := range cat.ListPlacements() {
		if opt.Provider != models.ProviderEC2 {
			continue
		}
		key := catalog.PriceKey(opt)
		if _, done := prices[key]; done {
			continue
		}

		var price float64
		var err error
		if opt.Preemptible {
			price, err = f.spotPrice(ctx, opt.Region, opt.MachineShape)
		} else {
			price, err = f.onDemandPrice(ctx, opt.Region, opt.MachineShape)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			log.WithError(err).WithField("placement", opt.String()).Warn("Failed to fetch EC2 price")
			continue
		}
		prices[key] = price
	}
	return prices, nil
}

func (f *PriceFetcher) onDemandPrice(ctx context.Context, region, instanceType string) (float64, error) {
	out, err := f.client.pricing.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []types.Filter{
			termMatch("instanceType", instanceType),
			termMatch("regionCode", region),
			termMatch("operatingSystem", "Linux"),
			termMatch("tenancy", "Shared"),
			termMatch("preInstalledSw", "NA"),
			termMatch("capacitystatus", "Used"),
		},
		MaxResults: aws.Int32(10),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "getting products for %s in %s", instanceType, region)
	}
	for _, doc := range out.PriceList {
		if price, ok := parseOnDemandPrice(doc); ok {
			return price, nil
		}
	}
	return 0, errors.Errorf("no on-demand price for %s in %s", instanceType, region)
}

func termMatch(field, value string) types.Filter {
	return types.Filter{
		Field: aws.String(field),
		Type:  types.FilterTypeTermMatch,
		Value: aws.String(value),
	}
}

// priceListEntry is the part of a Price List API document that carries the hourly price
type priceListEntry struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string            `json:"unit"`
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

func parseOnDemandPrice(doc string) (float64, bool) {
	var entry priceListEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return 0, false
	}
	for _, term := range entry.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if dim.Unit != "Hrs" {
				continue
			}
			price, err := strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
			if err == nil && price > 0 {
				return price, true
			}
		}
	}
	return 0, false
}

func (f *PriceFetcher) spotPrice(ctx context.Context, region, instanceType string) (float64, error) {
	start := f.now().Add(-time.Hour)
	out, err := f.client.ec2For(region).DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           &start,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "reading spot prices for %s in %s", instanceType, region)
	}
	price, ok := lowestSpotPrice(out.SpotPriceHistory)
	if !ok {
		return 0, errors.Errorf("no spot price for %s in %s", instanceType, region)
	}
	return price, nil
}

func lowestSpotPrice(history []ec2types.SpotPrice) (float64, bool) {
	var lowest float64
	found := false
	for _, sp := range history {
		price, err := strconv.ParseFloat(stringValue(sp.SpotPrice), 64)
		if err != nil || price <= 0 {
			continue
		}
		if !found || price < lowest {
			lowest = price
			found = true
		}
	}
	return lowest, found
}

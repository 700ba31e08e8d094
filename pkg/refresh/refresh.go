// Package refresh keeps the score tables current: latest spot prices per
// zone, spot placement scores, and interruption-free scores. FanOut runs
// the three jobs as separate Lambda functions in parallel.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/metrics"
	"github.com/scttfrdmn/spotkeeper/pkg/scores"
	"go.uber.org/zap"
)

// Job names accepted by Run
const (
	JobPrices       = "prices"
	JobPlacement    = "placement"
	JobInterruption = "interruption"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// interruptionScores maps advisor interruption-rate labels to scores
var interruptionScores = map[string]float64{
	"<5%":    3,
	"5-10%":  2.5,
	"10-15%": 2,
	"15-20%": 1.5,
	">20%":   1,
}

// ScoreForRatio converts an interruption-rate label to an interruption-free score
func ScoreForRatio(label string) (float64, bool) {
	score, ok := interruptionScores[label]
	return score, ok
}

// Options configures a Refresher
type Options struct {
	// HomeRegion issues the placement score query, which is account-wide
	HomeRegion     string
	InstanceType   string
	PriceWindow    time.Duration
	TargetCapacity int32
}

// Refresher writes the score tables
type Refresher struct {
	ec2     spotaws.EC2Provider
	repo    *scores.Repository
	opts    Options
	metrics *metrics.Recorder
	log     *zap.Logger
	now     func() time.Time
}

// New creates a Refresher
func New(ec2Provider spotaws.EC2Provider, repo *scores.Repository, opts Options, rec *metrics.Recorder, log *zap.Logger) *Refresher {
	if opts.PriceWindow <= 0 {
		opts.PriceWindow = time.Hour
	}
	if opts.TargetCapacity <= 0 {
		opts.TargetCapacity = 1
	}
	return &Refresher{
		ec2:     ec2Provider,
		repo:    repo,
		opts:    opts,
		metrics: rec,
		log:     log,
		now:     time.Now,
	}
}

// Run executes one job by name
func (r *Refresher) Run(ctx context.Context, job string, regions []string, ratios map[string]string) (int, error) {
	var (
		n   int
		err error
	)
	switch job {
	case JobPrices:
		n, err = r.RefreshPrices(ctx, regions)
	case JobPlacement:
		n, err = r.RefreshPlacementScores(ctx, regions)
	case JobInterruption:
		n, err = r.RefreshInterruptionScores(ctx, ratios)
	default:
		return 0, fmt.Errorf("unknown refresh job %q", job)
	}
	r.metrics.Refresh(job, err)
	return n, err
}

// RefreshPrices records the latest spot price per zone for every region.
// A failing region is logged and the rest continue; the errors are joined.
func (r *Refresher) RefreshPrices(ctx context.Context, regions []string) (int, error) {
	start := r.now().Add(-r.opts.PriceWindow)
	written := 0
	var errs []error

	for _, region := range regions {
		latest, err := r.latestPrices(ctx, region, start)
		if err != nil {
			r.log.Warn("failed to read spot price history", zap.String("region", region), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", region, err))
			continue
		}

		zones := make([]string, 0, len(latest))
		for zone := range latest {
			zones = append(zones, zone)
		}
		sort.Strings(zones)

		for _, zone := range zones {
			quote := latest[zone]
			price, err := strconv.ParseFloat(aws.ToString(quote.SpotPrice), 64)
			if err != nil {
				r.log.Warn("unparsable spot price", zap.String("zone", zone), zap.String("price", aws.ToString(quote.SpotPrice)))
				continue
			}
			item := scores.PriceItem{
				Region:           region,
				AvailabilityZone: zone,
				Price:            price,
				Timestamp:        aws.ToTime(quote.Timestamp).UTC().Format(timestampLayout),
			}
			if err := r.repo.PutPrice(ctx, item); err != nil {
				errs = append(errs, err)
				continue
			}
			written++
		}
		r.log.Debug("refreshed prices", zap.String("region", region), zap.Int("zones", len(zones)))
	}

	return written, errors.Join(errs...)
}

func (r *Refresher) latestPrices(ctx context.Context, region string, start time.Time) (map[string]types.SpotPrice, error) {
	client := r.ec2.EC2(region)
	latest := make(map[string]types.SpotPrice)

	var next *string
	for {
		out, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
			InstanceTypes:       []types.InstanceType{types.InstanceType(r.opts.InstanceType)},
			ProductDescriptions: []string{"Linux/UNIX"},
			StartTime:           aws.Time(start),
			NextToken:           next,
		})
		if err != nil {
			return nil, err
		}
		for _, p := range out.SpotPriceHistory {
			zone := aws.ToString(p.AvailabilityZone)
			if zone == "" {
				zone = "ALL_AZs"
			}
			cur, ok := latest[zone]
			if !ok || aws.ToTime(p.Timestamp).After(aws.ToTime(cur.Timestamp)) {
				latest[zone] = p
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return latest, nil
		}
		next = out.NextToken
	}
}

// RefreshPlacementScores records single-zone placement scores for regions
func (r *Refresher) RefreshPlacementScores(ctx context.Context, regions []string) (int, error) {
	if len(regions) == 0 {
		return 0, nil
	}
	client := r.ec2.EC2(r.opts.HomeRegion)
	stamp := r.now().UTC().Format(timestampLayout)
	written := 0
	var errs []error

	var next *string
	for {
		out, err := client.GetSpotPlacementScores(ctx, &ec2.GetSpotPlacementScoresInput{
			InstanceTypes:          []string{r.opts.InstanceType},
			RegionNames:            regions,
			SingleAvailabilityZone: aws.Bool(true),
			TargetCapacity:         aws.Int32(r.opts.TargetCapacity),
			NextToken:              next,
		})
		if err != nil {
			return written, fmt.Errorf("failed to get spot placement scores: %w", err)
		}

		for _, s := range out.SpotPlacementScores {
			item := scores.PlacementItem{
				Region:             aws.ToString(s.Region),
				AvailabilityZoneID: aws.ToString(s.AvailabilityZoneId),
				SPS:                int(aws.ToInt32(s.Score)),
				InstanceType:       r.opts.InstanceType,
				Timestamp:          stamp,
			}
			if err := r.repo.PutPlacement(ctx, item); err != nil {
				errs = append(errs, err)
				continue
			}
			written++
		}

		if aws.ToString(out.NextToken) == "" {
			break
		}
		next = out.NextToken
	}

	return written, errors.Join(errs...)
}

// RefreshInterruptionScores records a score per region from its
// interruption-rate label. Unknown labels are skipped.
func (r *Refresher) RefreshInterruptionScores(ctx context.Context, ratios map[string]string) (int, error) {
	regions := make([]string, 0, len(ratios))
	for region := range ratios {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	written := 0
	var errs []error
	for _, region := range regions {
		label := ratios[region]
		score, ok := ScoreForRatio(label)
		if !ok {
			r.log.Warn("unknown interruption ratio label", zap.String("region", region), zap.String("label", label))
			continue
		}
		item := scores.InterruptionItem{
			Region:                region,
			InterruptionFreeScore: score,
			Ratio:                 label,
			InstanceType:          r.opts.InstanceType,
		}
		if err := r.repo.PutInterruption(ctx, item); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

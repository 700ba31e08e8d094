// Package launcher spreads a target number of spot units across ranked
// regions and their zones, waits for the provider to settle each request,
// and records the outcome as tracker markers.
package launcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/metrics"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/tracing"
	"github.com/scttfrdmn/spotkeeper/pkg/poll"
	"github.com/scttfrdmn/spotkeeper/pkg/scores"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const managedTag = "spotkeeper:managed"

// ImageResolver supplies the per-region image and security group
type ImageResolver interface {
	Resolve(ctx context.Context, region string) (imageID, securityGroupID string, err error)
}

// PriceSource supplies recent zone prices for ordering
type PriceSource interface {
	ZonePrices(ctx context.Context, region string) ([]scores.ZonePrice, error)
}

// Recorder persists the observed request states
type Recorder interface {
	RecordNew(ctx context.Context, requestID, region string, state spotaws.RequestState) error
}

// Options describes what every request in a batch asks for
type Options struct {
	InstanceType string
	KeyName      string
	// OnDemandPrice is the bid; empty leaves the provider default cap
	OnDemandPrice string
	// UserData is the raw script, base64-encoded on submission
	UserData string
	Poll     poll.Config
}

// Request is one submitted spot request as last observed
type Request struct {
	ID         string
	Region     string
	Zone       string
	State      spotaws.RequestState
	StatusCode string
}

// Outcome aggregates a Launch
type Outcome struct {
	Requested int
	Active    []Request
	Open      []Request
	Failed    []Request
	// Skipped lists regions left out for missing image or security group
	Skipped   []string
	Shortfall int
}

// Placed counts units that are running or still pending at the provider
func (o *Outcome) Placed() int {
	return len(o.Active) + len(o.Open)
}

// FailedRequestIDs returns the ids of requests that were cancelled
func (o *Outcome) FailedRequestIDs() []string {
	return lo.Map(o.Failed, func(r Request, _ int) string { return r.ID })
}

// Launcher submits and settles spot requests
type Launcher struct {
	ec2     spotaws.EC2Provider
	images  ImageResolver
	prices  PriceSource
	tracker Recorder
	opts    Options
	metrics *metrics.Recorder
	tracer  *tracing.Tracer
	log     *zap.Logger

	newToken func() string
}

// New creates a Launcher. rec and tracer may be nil.
func New(ec2Provider spotaws.EC2Provider, images ImageResolver, prices PriceSource, tracker Recorder, opts Options, rec *metrics.Recorder, tracer *tracing.Tracer, log *zap.Logger) *Launcher {
	return &Launcher{
		ec2:      ec2Provider,
		images:   images,
		prices:   prices,
		tracker:  tracker,
		opts:     opts,
		metrics:  rec,
		tracer:   tracer,
		log:      log,
		newToken: uuid.NewString,
	}
}

// Split divides n across regions: each gets n/len(regions) and the
// remainder goes one unit at a time to the first regions
func Split(n int, regions []string) []int {
	if len(regions) == 0 || n <= 0 {
		return make([]int, len(regions))
	}
	base, extra := n/len(regions), n%len(regions)
	allocs := make([]int, len(regions))
	for i := range allocs {
		allocs[i] = base
		if i < extra {
			allocs[i]++
		}
	}
	return allocs
}

// Launch places target units across regions in ranked order. A region's
// unmet share, including the whole share of a skipped region, moves on to
// the next region. The returned Outcome is always non-nil. The error is a
// *ProviderError when the batch was aborted, or a *CapacityExhaustedError
// when units remain after every region.
func (l *Launcher) Launch(ctx context.Context, target int, regions []string) (out *Outcome, err error) {
	ctx, end := tracing.StartSpan(ctx, l.tracer, "launcher.Launch",
		attribute.Int("target", target),
		attribute.StringSlice("regions", regions))
	defer func() { end(err) }()

	out = &Outcome{Requested: target}
	allocs := Split(target, regions)

	l.log.Info("launching batch",
		zap.Int("target", target),
		zap.Strings("regions", regions),
		zap.Ints("allocation", allocs))

	carry := max(0, target-lo.Sum(allocs))
	for i, region := range regions {
		need := allocs[i] + carry
		carry = 0
		if need == 0 {
			continue
		}

		imageID, sgID, err := l.images.Resolve(ctx, region)
		if err != nil {
			l.log.Error("skipping region",
				zap.String("region", region),
				zap.Int("carried", need),
				zap.Error(err))
			out.Skipped = append(out.Skipped, region)
			carry = need
			continue
		}

		placed, err := l.launchRegion(ctx, region, need, imageID, sgID, out)
		if err != nil {
			return out, err
		}
		carry = need - placed
	}

	out.Shortfall = carry
	if out.Shortfall > 0 {
		l.metrics.Shortfall(out.Shortfall)
		l.log.Warn("batch short of target",
			zap.Int("requested", target),
			zap.Int("shortfall", out.Shortfall))
		return out, &CapacityExhaustedError{Requested: target, Shortfall: out.Shortfall}
	}
	return out, nil
}

// launchRegion tries zones cheapest first until need is met and returns
// how many units were placed
func (l *Launcher) launchRegion(ctx context.Context, region string, need int, imageID, sgID string, out *Outcome) (int, error) {
	client := l.ec2.EC2(region)
	placed := 0

	for _, zone := range l.orderZones(ctx, client, region) {
		remaining := need - placed
		if remaining <= 0 {
			break
		}

		ids, err := l.submit(ctx, client, zone, remaining, imageID, sgID)
		if err != nil {
			if spotaws.IsCapacityError(err) {
				l.log.Warn("zone out of capacity",
					zap.String("region", region),
					zap.String("zone", zone),
					zap.String("code", spotaws.ErrorCode(err)))
				continue
			}
			return placed, &ProviderError{Op: "RequestSpotInstances", Region: region, Code: spotaws.ErrorCode(err), Err: err}
		}

		requests, err := l.await(ctx, client, region, zone, ids)
		if err != nil {
			l.trackUnsettled(ctx, region, zone, ids, out)
			return placed, &ProviderError{Op: "DescribeSpotInstanceRequests", Region: region, Code: spotaws.ErrorCode(err), Err: err}
		}

		n, err := l.settle(ctx, client, region, requests, out)
		if err != nil {
			return placed, err
		}
		placed += n
	}
	return placed, nil
}

// orderZones puts quoted zones first by ascending price, then the rest in
// provider order. A region with no known zones yields a single "" entry,
// which leaves placement to the provider.
func (l *Launcher) orderZones(ctx context.Context, client spotaws.EC2API, region string) []string {
	var available []string
	azs, err := client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		l.log.Warn("cannot list zones", zap.String("region", region), zap.Error(err))
	} else {
		for _, az := range azs.AvailabilityZones {
			if az.State == types.AvailabilityZoneStateAvailable && az.ZoneName != nil {
				available = append(available, *az.ZoneName)
			}
		}
	}

	quotes, err := l.prices.ZonePrices(ctx, region)
	if err != nil {
		l.log.Warn("no zone prices, using provider order", zap.String("region", region), zap.Error(err))
	}

	var zones []string
	for _, q := range quotes {
		if len(available) == 0 || lo.Contains(available, q.AvailabilityZone) {
			zones = append(zones, q.AvailabilityZone)
		}
	}
	for _, az := range available {
		if !lo.Contains(zones, az) {
			zones = append(zones, az)
		}
	}

	if len(zones) == 0 {
		return []string{""}
	}
	return zones
}

func (l *Launcher) submit(ctx context.Context, client spotaws.EC2API, zone string, count int, imageID, sgID string) ([]string, error) {
	spec := &types.RequestSpotLaunchSpecification{
		ImageId:          aws.String(imageID),
		InstanceType:     types.InstanceType(l.opts.InstanceType),
		SecurityGroupIds: []string{sgID},
	}
	if zone != "" {
		spec.Placement = &types.SpotPlacement{AvailabilityZone: aws.String(zone)}
	}
	if l.opts.KeyName != "" {
		spec.KeyName = aws.String(l.opts.KeyName)
	}
	if l.opts.UserData != "" {
		spec.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(l.opts.UserData)))
	}

	input := &ec2.RequestSpotInstancesInput{
		InstanceCount:       aws.Int32(int32(count)),
		Type:                types.SpotInstanceTypeOneTime,
		ClientToken:         aws.String(l.newToken()),
		LaunchSpecification: spec,
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeSpotInstancesRequest,
				Tags: []types.Tag{
					{Key: aws.String(managedTag), Value: aws.String("true")},
				},
			},
		},
	}
	if l.opts.OnDemandPrice != "" {
		input.SpotPrice = aws.String(l.opts.OnDemandPrice)
	}

	result, err := client.RequestSpotInstances(ctx, input)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(result.SpotInstanceRequests))
	for _, r := range result.SpotInstanceRequests {
		ids = append(ids, aws.ToString(r.SpotInstanceRequestId))
	}
	l.log.Info("spot requests submitted",
		zap.String("zone", zone),
		zap.Int("count", count),
		zap.Strings("request_ids", ids))
	return ids, nil
}

// await polls until every request is visible with a known state. When
// the bound runs out, requests never seen are returned as unknown.
func (l *Launcher) await(ctx context.Context, client spotaws.EC2API, region, zone string, ids []string) ([]Request, error) {
	var last []spotaws.SpotRequest

	checks, err := poll.Until(ctx, l.opts.Poll, func(ctx context.Context) (bool, error) {
		requests, err := spotaws.DescribeSpotRequests(ctx, client, region, ids)
		if err != nil {
			if spotaws.IsRequestNotFound(err) {
				return false, poll.Transient(err)
			}
			return false, err
		}
		last = requests
		settled := lo.CountBy(requests, func(r spotaws.SpotRequest) bool {
			return r.State != spotaws.StateUnknown
		})
		return settled == len(ids), nil
	})
	if err != nil && !errors.Is(err, poll.ErrStillPending) {
		return nil, err
	}
	if err != nil {
		l.log.Warn("requests did not settle, classifying last observation",
			zap.String("region", region),
			zap.Int("checks", checks),
			zap.Error(err))
	}

	seen := lo.KeyBy(last, func(r spotaws.SpotRequest) string { return r.ID })
	requests := make([]Request, 0, len(ids))
	for _, id := range ids {
		req := Request{ID: id, Region: region, Zone: zone, State: spotaws.StateUnknown}
		if r, ok := seen[id]; ok {
			req.State = r.State
			req.StatusCode = r.StatusCode
			if r.AvailabilityZone != "" {
				req.Zone = r.AvailabilityZone
			}
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// settle records active and open requests and cancels the rest. Requests
// never seen are tracked as open so the sweep resolves them. It returns
// the number of placed units.
func (l *Launcher) settle(ctx context.Context, client spotaws.EC2API, region string, requests []Request, out *Outcome) (int, error) {
	var failed []Request
	placed := 0

	for _, req := range requests {
		state := req.State
		switch state {
		case spotaws.StateActive:
			out.Active = append(out.Active, req)
		case spotaws.StateOpen, spotaws.StateUnknown:
			state = spotaws.StateOpen
			out.Open = append(out.Open, req)
		default:
			failed = append(failed, req)
			continue
		}
		placed++

		if err := l.tracker.RecordNew(ctx, req.ID, region, state); err != nil {
			l.log.Error("failed to record request",
				zap.String("request_id", req.ID),
				zap.String("region", region),
				zap.Error(err))
		}
	}

	l.metrics.Launched(region, "active", lo.CountBy(requests, isState(spotaws.StateActive)))
	l.metrics.Launched(region, "open", placed-lo.CountBy(requests, isState(spotaws.StateActive)))
	l.metrics.Launched(region, "failed", len(failed))

	if len(failed) == 0 {
		return placed, nil
	}

	ids := lo.Map(failed, func(r Request, _ int) string { return r.ID })
	l.log.Warn("requests not fulfilled",
		zap.String("region", region),
		zap.Strings("request_ids", ids),
		zap.Strings("status", lo.Map(failed, func(r Request, _ int) string { return r.StatusCode })))
	if err := spotaws.CancelSpotRequests(ctx, client, ids); err != nil {
		return placed, &ProviderError{Op: "CancelSpotInstanceRequests", Region: region, Code: spotaws.ErrorCode(err), Err: err}
	}
	out.Failed = append(out.Failed, failed...)
	return placed, nil
}

// trackUnsettled records submitted requests whose state could not be read
// as open, so the sweep resolves them. Recording ignores cancellation of ctx.
func (l *Launcher) trackUnsettled(ctx context.Context, region, zone string, ids []string, out *Outcome) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		out.Open = append(out.Open, Request{ID: id, Region: region, Zone: zone, State: spotaws.StateOpen})
		if err := l.tracker.RecordNew(ctx, id, region, spotaws.StateOpen); err != nil {
			l.log.Error("failed to record unsettled request",
				zap.String("request_id", id),
				zap.String("region", region),
				zap.Error(err))
		}
	}
	l.metrics.Launched(region, "open", len(ids))
	l.log.Warn("tracking requests with unknown state as open",
		zap.String("region", region),
		zap.Strings("request_ids", ids))
}

func isState(state spotaws.RequestState) func(Request) bool {
	return func(r Request) bool { return r.State == state }
}

// Cancel cancels requests in region and terminates any instances they
// already own. It returns the terminated instance ids.
func (l *Launcher) Cancel(ctx context.Context, region string, requestIDs []string) ([]string, error) {
	if len(requestIDs) == 0 {
		return nil, nil
	}
	client := l.ec2.EC2(region)

	requests, err := spotaws.DescribeSpotRequests(ctx, client, region, requestIDs)
	if err != nil && !spotaws.IsRequestNotFound(err) {
		return nil, fmt.Errorf("failed to describe requests in %s: %w", region, err)
	}

	if err := spotaws.CancelSpotRequests(ctx, client, requestIDs); err != nil {
		return nil, err
	}

	instances := lo.FilterMap(requests, func(r spotaws.SpotRequest, _ int) (string, bool) {
		return r.InstanceID, r.InstanceID != ""
	})
	if err := spotaws.TerminateInstances(ctx, client, instances); err != nil {
		return nil, err
	}

	l.log.Info("requests cancelled",
		zap.String("region", region),
		zap.Strings("request_ids", requestIDs),
		zap.Strings("terminated", instances))
	return instances, nil
}

// Package sweep reconciles open markers with the provider. Each pass
// promotes fulfilled requests, abandons requests that stayed open for too
// many passes, and asks for one replacement per terminal failure.
package sweep

import (
	"context"
	"fmt"
	"time"

	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/fence"
	"github.com/scttfrdmn/spotkeeper/pkg/launcher"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/metrics"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/tracing"
	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultMaxChecks is how many passes a request may stay open
const DefaultMaxChecks = 3

// Trigger labels replacements requested by the sweep
const Trigger = "sweep"

// Markers is the tracker surface the sweep needs
type Markers interface {
	ListOpen(ctx context.Context) (map[string][]tracker.Marker, error)
	Promote(ctx context.Context, requestID, region string, from, to tracker.Category) (bool, error)
	IncrementCheckCount(ctx context.Context, requestID, region string) (int, error)
}

// Replenisher launches replacement units across the eligible regions
type Replenisher interface {
	Replenish(ctx context.Context, count int, reason string) (*launcher.Outcome, error)
}

// Result summarises one pass
type Result struct {
	Checked            int
	Promoted           int
	Failed             int
	Incremented        int
	Skipped            int
	ReplacementsNeeded int

	// Launch is set when replacements were requested
	Launch    *launcher.Outcome
	LaunchErr error
}

// Sweeper runs reconciliation passes
type Sweeper struct {
	ec2         spotaws.EC2Provider
	markers     Markers
	fence       fence.Fence
	replenisher Replenisher
	maxChecks   int
	metrics     *metrics.Recorder
	tracer      *tracing.Tracer
	log         *zap.Logger
}

// New creates a Sweeper. maxChecks <= 0 uses DefaultMaxChecks. rec and
// tracer may be nil.
func New(ec2Provider spotaws.EC2Provider, markers Markers, f fence.Fence, replenisher Replenisher, maxChecks int, rec *metrics.Recorder, tracer *tracing.Tracer, log *zap.Logger) *Sweeper {
	if maxChecks <= 0 {
		maxChecks = DefaultMaxChecks
	}
	if f == nil {
		f = fence.Nop{}
	}
	return &Sweeper{
		ec2:         ec2Provider,
		markers:     markers,
		fence:       f,
		replenisher: replenisher,
		maxChecks:   maxChecks,
		metrics:     rec,
		tracer:      tracer,
		log:         log,
	}
}

// Run makes one pass over every open marker, then launches the
// replacements it counted. A failure on one marker is logged and does not
// stop the pass. Only a failure to list markers is returned as an error.
func (s *Sweeper) Run(ctx context.Context) (result *Result, err error) {
	ctx, end := tracing.StartSpan(ctx, s.tracer, "sweep.Run")
	defer func() { end(err) }()

	start := time.Now()
	defer func() { s.metrics.SweepDuration(time.Since(start)) }()

	grouped, err := s.markers.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open markers: %w", err)
	}

	result = &Result{}
	for _, region := range tracker.Regions(grouped) {
		client := s.ec2.EC2(region)
		for _, marker := range grouped[region] {
			result.Checked++
			s.check(ctx, client, marker, result)
		}
	}

	s.log.Info("sweep pass complete",
		zap.Int("checked", result.Checked),
		zap.Int("promoted", result.Promoted),
		zap.Int("failed", result.Failed),
		zap.Int("incremented", result.Incremented),
		zap.Int("skipped", result.Skipped),
		zap.Int("replacements", result.ReplacementsNeeded))

	if result.ReplacementsNeeded > 0 && s.replenisher != nil {
		s.metrics.Replacement(Trigger, result.ReplacementsNeeded)
		result.Launch, result.LaunchErr = s.replenisher.Replenish(ctx, result.ReplacementsNeeded, Trigger)
		if result.LaunchErr != nil {
			s.log.Error("replacement launch incomplete",
				zap.Int("count", result.ReplacementsNeeded),
				zap.Error(result.LaunchErr))
		}
	}

	tracing.AddAttributes(ctx,
		attribute.Int("checked", result.Checked),
		attribute.Int("replacements", result.ReplacementsNeeded))
	return result, nil
}

func (s *Sweeper) check(ctx context.Context, client spotaws.EC2API, marker tracker.Marker, result *Result) {
	log := s.log.With(
		zap.String("request_id", marker.RequestID),
		zap.String("region", marker.Region))

	req, err := spotaws.DescribeSpotRequest(ctx, client, marker.Region, marker.RequestID)
	if err != nil {
		log.Warn("cannot describe request, leaving open", zap.Error(err))
		result.Skipped++
		return
	}

	switch req.State {
	case spotaws.StateActive:
		moved, err := s.markers.Promote(ctx, marker.RequestID, marker.Region, tracker.Open, tracker.Successful)
		if err != nil {
			log.Error("promotion failed", zap.Error(err))
			result.Skipped++
			return
		}
		if moved {
			result.Promoted++
		}

	case spotaws.StateOpen:
		next := marker.CheckCount + 1
		if next < s.maxChecks {
			if _, err := s.markers.IncrementCheckCount(ctx, marker.RequestID, marker.Region); err != nil {
				log.Error("check count update failed", zap.Error(err))
				result.Skipped++
				return
			}
			result.Incremented++
			return
		}

		log.Info("request still open after max checks, cancelling", zap.Int("checks", next))
		if err := spotaws.CancelSpotRequests(ctx, client, []string{marker.RequestID}); err != nil {
			log.Error("cancel failed", zap.Error(err))
			result.Skipped++
			return
		}
		s.fail(ctx, log, marker, result)

	default:
		log.Info("request ended without capacity", zap.String("state", string(req.State)), zap.String("status", req.StatusCode))
		s.fail(ctx, log, marker, result)
	}
}

// fail moves the marker to failed. A replacement is counted only when
// this pass moved the marker and holds the request's fence.
func (s *Sweeper) fail(ctx context.Context, log *zap.Logger, marker tracker.Marker, result *Result) {
	moved, err := s.markers.Promote(ctx, marker.RequestID, marker.Region, tracker.Open, tracker.Failed)
	if err != nil {
		log.Error("promotion failed", zap.Error(err))
		result.Skipped++
		return
	}
	if !moved {
		log.Info("open marker already retired elsewhere")
		return
	}
	result.Failed++

	key := fence.Key(marker.Region, marker.RequestID)
	if fence.Allow(ctx, s.fence, key, log) {
		result.ReplacementsNeeded++
	}
}

// Package reclaim reacts to spot interruption warnings: it retires the
// request's marker, keeps a telemetry record of the lost instance and
// launches one replacement without waiting for the next sweep.
package reclaim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/fence"
	"github.com/scttfrdmn/spotkeeper/pkg/launcher"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/metrics"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/tracing"
	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Trigger labels replacements requested here
const Trigger = "reclaim"

const timeLayout = "2006-01-02T15:04:05Z"

// Markers is the tracker surface the handler needs
type Markers interface {
	Exists(ctx context.Context, category tracker.Category, region, requestID string) (bool, error)
	Delete(ctx context.Context, category tracker.Category, region, requestID string) error
	Promote(ctx context.Context, requestID, region string, from, to tracker.Category) (bool, error)
}

// Replenisher launches replacement units across the eligible regions
type Replenisher interface {
	Replenish(ctx context.Context, count int, reason string) (*launcher.Outcome, error)
}

// Telemetry describes a reclaimed instance for later cost analysis
type Telemetry struct {
	InstanceID       string   `json:"instance_id"`
	RequestID        string   `json:"request_id,omitempty"`
	Region           string   `json:"region"`
	AvailabilityZone string   `json:"availability_zone,omitempty"`
	InstanceType     string   `json:"instance_type,omitempty"`
	LaunchTime       string   `json:"launch_time,omitempty"`
	WarningTime      string   `json:"interruption_warning_time"`
	SpotPrice        string   `json:"spot_price,omitempty"`
	Resources        []string `json:"resources,omitempty"`
}

// Result reports what a notice led to. LaunchError carries LaunchErr's
// message for JSON responses.
type Result struct {
	RequestID        string            `json:"request_id,omitempty"`
	MarkerRetired    bool              `json:"marker_retired"`
	TelemetryWritten bool              `json:"telemetry_written"`
	Replaced         bool              `json:"replaced"`
	Launch           *launcher.Outcome `json:"-"`
	LaunchErr        error             `json:"-"`
	LaunchError      string            `json:"launch_error,omitempty"`
}

// Handler processes reclamation notices
type Handler struct {
	ec2         spotaws.EC2Provider
	s3          spotaws.S3API
	bucket      string
	markers     Markers
	fence       fence.Fence
	replenisher Replenisher
	metrics     *metrics.Recorder
	tracer      *tracing.Tracer
	log         *zap.Logger
}

// New creates a Handler. Telemetry is skipped when bucket is empty.
func New(ec2Provider spotaws.EC2Provider, s3Client spotaws.S3API, bucket string, markers Markers, f fence.Fence, replenisher Replenisher, rec *metrics.Recorder, tracer *tracing.Tracer, log *zap.Logger) *Handler {
	if f == nil {
		f = fence.Nop{}
	}
	return &Handler{
		ec2:         ec2Provider,
		s3:          s3Client,
		bucket:      bucket,
		markers:     markers,
		fence:       f,
		replenisher: replenisher,
		metrics:     rec,
		tracer:      tracer,
		log:         log,
	}
}

// OnReclamation handles one notice. Failing to resolve the instance or to
// write telemetry never prevents the replacement launch. The error is
// non-nil only for an unusable notice.
func (h *Handler) OnReclamation(ctx context.Context, notice Notice) (result *Result, err error) {
	if notice.InstanceID == "" || notice.Region == "" {
		return nil, errors.New("notice needs an instance id and region")
	}

	ctx, end := tracing.StartSpan(ctx, h.tracer, "reclaim.OnReclamation",
		attribute.String("instance_id", notice.InstanceID),
		attribute.String("region", notice.Region))
	defer func() { end(err) }()

	h.metrics.Reclamation()
	log := h.log.With(
		zap.String("instance_id", notice.InstanceID),
		zap.String("region", notice.Region))
	log.Info("reclamation notice received", zap.String("action", notice.Action))

	result = &Result{}
	client := h.ec2.EC2(notice.Region)

	details, describeErr := spotaws.DescribeInstance(ctx, client, notice.InstanceID)
	if describeErr != nil {
		log.Warn("cannot resolve instance", zap.Error(describeErr))
	} else {
		result.RequestID = details.RequestID
	}

	if result.RequestID != "" {
		result.MarkerRetired = h.retireMarker(ctx, log, notice.Region, result.RequestID)
	}

	result.TelemetryWritten = h.writeTelemetry(ctx, log, client, notice, details)

	fenceID := result.RequestID
	if fenceID == "" {
		fenceID = notice.InstanceID
	}
	if !fence.Allow(ctx, h.fence, fence.Key(notice.Region, fenceID), log) {
		return result, nil
	}

	result.Replaced = true
	h.metrics.Replacement(Trigger, 1)
	result.Launch, result.LaunchErr = h.replenisher.Replenish(ctx, 1, Trigger)
	if result.LaunchErr != nil {
		result.LaunchError = result.LaunchErr.Error()
		log.Error("replacement launch incomplete", zap.Error(result.LaunchErr))
	}
	return result, nil
}

// retireMarker deletes an open marker, or moves a successful one to
// failed since its capacity is gone
func (h *Handler) retireMarker(ctx context.Context, log *zap.Logger, region, requestID string) bool {
	open, err := h.markers.Exists(ctx, tracker.Open, region, requestID)
	if err != nil {
		log.Warn("cannot check open marker", zap.Error(err))
		return false
	}
	if open {
		if err := h.markers.Delete(ctx, tracker.Open, region, requestID); err != nil {
			log.Warn("cannot delete open marker", zap.Error(err))
			return false
		}
		log.Info("open marker deleted", zap.String("request_id", requestID))
		return true
	}

	active, err := h.markers.Exists(ctx, tracker.Successful, region, requestID)
	if err != nil || !active {
		return false
	}
	moved, err := h.markers.Promote(ctx, requestID, region, tracker.Successful, tracker.Failed)
	if err != nil {
		log.Warn("cannot retire successful marker", zap.Error(err))
		return false
	}
	return moved
}

func (h *Handler) writeTelemetry(ctx context.Context, log *zap.Logger, client spotaws.EC2API, notice Notice, details *spotaws.InstanceDetails) bool {
	if h.bucket == "" {
		return false
	}

	warned := notice.Time
	if warned.IsZero() {
		warned = time.Now()
	}
	record := Telemetry{
		InstanceID:  notice.InstanceID,
		Region:      notice.Region,
		WarningTime: warned.UTC().Format(timeLayout),
	}
	if details != nil {
		record.RequestID = details.RequestID
		record.AvailabilityZone = details.AvailabilityZone
		record.InstanceType = details.InstanceType
		record.LaunchTime = details.LaunchTime

		price, err := spotaws.LatestSpotPrice(ctx, client, details.InstanceType, details.AvailabilityZone)
		if err != nil {
			log.Warn("no spot price for telemetry", zap.Error(err))
		} else {
			record.SpotPrice = price
		}
	} else {
		record.Resources = notice.Resources
	}

	if err := h.putRecord(ctx, notice.InstanceID+".json", record); err != nil {
		log.Error("telemetry not written", zap.Error(err))
		return false
	}
	return true
}

func (h *Handler) putRecord(ctx context.Context, key string, record interface{}) error {
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = h.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(h.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write s3://%s/%s: %w", h.bucket, key, err)
	}
	return nil
}

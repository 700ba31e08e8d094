// Package agent runs on a fleet instance. When the workload finishes it
// records completion, retires the request's open marker and terminates
// the instance.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"go.uber.org/zap"
)

const timeLayout = "2006-01-02T15:04:05Z"

// IMDSAPI is the instance metadata surface the agent reads
type IMDSAPI interface {
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// Markers is the tracker surface the agent needs
type Markers interface {
	Exists(ctx context.Context, category tracker.Category, region, requestID string) (bool, error)
	Delete(ctx context.Context, category tracker.Category, region, requestID string) error
}

// CompletionRecord is written to the completion bucket as {instanceId}.json
type CompletionRecord struct {
	InstanceID       string `json:"instance_id"`
	RequestID        string `json:"request_id,omitempty"`
	Region           string `json:"region"`
	AvailabilityZone string `json:"availability_zone"`
	InstanceType     string `json:"instance_type"`
	LaunchTime       string `json:"launch_time"`
	CompletionTime   string `json:"completion_time"`
	SpotPrice        string `json:"spot_price,omitempty"`
}

// Agent reports completion for the instance it runs on
type Agent struct {
	imds    IMDSAPI
	ec2     spotaws.EC2Provider
	s3      spotaws.S3API
	bucket  string
	markers Markers
	log     *zap.Logger
	now     func() time.Time
}

// New creates an Agent
func New(imdsClient IMDSAPI, ec2Provider spotaws.EC2Provider, s3Client spotaws.S3API, completeBucket string, markers Markers, log *zap.Logger) *Agent {
	return &Agent{
		imds:    imdsClient,
		ec2:     ec2Provider,
		s3:      s3Client,
		bucket:  completeBucket,
		markers: markers,
		log:     log,
		now:     time.Now,
	}
}

// Complete writes the completion record and, when terminate is set,
// terminates this instance. Marker cleanup and price lookup are best
// effort; identity, the record and termination are not.
func (a *Agent) Complete(ctx context.Context, terminate bool) (*CompletionRecord, error) {
	doc, err := a.imds.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get instance identity: %w", err)
	}

	record := &CompletionRecord{
		InstanceID:       doc.InstanceID,
		Region:           doc.Region,
		AvailabilityZone: doc.AvailabilityZone,
		InstanceType:     doc.InstanceType,
		LaunchTime:       doc.PendingTime.UTC().Format(timeLayout),
		CompletionTime:   a.now().UTC().Format(timeLayout),
	}
	log := a.log.With(zap.String("instance_id", record.InstanceID), zap.String("region", record.Region))
	client := a.ec2.EC2(record.Region)

	details, err := spotaws.DescribeInstance(ctx, client, record.InstanceID)
	if err != nil {
		log.Warn("cannot resolve spot request", zap.Error(err))
	} else {
		record.RequestID = details.RequestID
	}

	if record.RequestID != "" {
		a.retireOpenMarker(ctx, log, record.Region, record.RequestID)
	}

	price, err := spotaws.LatestSpotPrice(ctx, client, record.InstanceType, record.AvailabilityZone)
	if err != nil {
		log.Warn("no spot price for completion record", zap.Error(err))
	} else {
		record.SpotPrice = price
	}

	if err := a.write(ctx, record); err != nil {
		return record, err
	}
	log.Info("completion recorded", zap.String("bucket", a.bucket))

	if !terminate {
		return record, nil
	}
	if err := spotaws.TerminateInstances(ctx, client, []string{record.InstanceID}); err != nil {
		return record, err
	}
	log.Info("instance terminating")
	return record, nil
}

// retireOpenMarker drops an open marker; successful markers stay for
// bucket retention
func (a *Agent) retireOpenMarker(ctx context.Context, log *zap.Logger, region, requestID string) {
	open, err := a.markers.Exists(ctx, tracker.Open, region, requestID)
	if err != nil {
		log.Warn("cannot check open marker", zap.Error(err))
		return
	}
	if !open {
		return
	}
	if err := a.markers.Delete(ctx, tracker.Open, region, requestID); err != nil {
		log.Warn("cannot delete open marker", zap.Error(err))
	}
}

func (a *Agent) write(ctx context.Context, record *CompletionRecord) error {
	if a.bucket == "" {
		return fmt.Errorf("completion bucket is not configured")
	}
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode completion record: %w", err)
	}
	key := record.InstanceID + ".json"
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

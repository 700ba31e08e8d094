// Package tracker stores one S3 marker per spot request and moves it
// between the open, successful and failed prefixes as the request
// resolves.
//
// Every operation is safe to repeat: creation leaves an existing marker
// alone, promotion of an absent marker does nothing, and the check count
// is a read-modify-write that defaults to 0.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/metrics"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a marker does not exist
var ErrNotFound = errors.New("marker not found")

const (
	metaCheckCount = "check_count"
	// written by older tooling that did not snake-case the name
	metaCheckCountLegacy = "checkcount"
)

// Tracker reads and writes markers in one bucket
type Tracker struct {
	s3      spotaws.S3API
	bucket  string
	metrics *metrics.Recorder
	log     *zap.Logger
}

// New creates a Tracker. rec may be nil.
func New(client spotaws.S3API, bucket string, rec *metrics.Recorder, log *zap.Logger) *Tracker {
	return &Tracker{s3: client, bucket: bucket, metrics: rec, log: log}
}

// Bucket returns the marker bucket name
func (t *Tracker) Bucket() string {
	return t.bucket
}

// RecordNew creates the marker for a freshly observed request. Open
// markers start with a check count of 0. An existing marker is kept.
func (t *Tracker) RecordNew(ctx context.Context, requestID, region string, state spotaws.RequestState) error {
	category := CategoryFor(state)
	key := Key(category, region, requestID)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(requestID),
		ContentType: aws.String("text/plain"),
		IfNoneMatch: aws.String("*"),
	}
	if category == Open {
		input.Metadata = map[string]string{metaCheckCount: "0"}
	}

	if _, err := t.s3.PutObject(ctx, input); err != nil {
		if spotaws.IsPreconditionFailed(err) {
			t.log.Debug("marker already exists", zap.String("key", key))
			return nil
		}
		return fmt.Errorf("failed to create marker %s: %w", key, err)
	}

	t.metrics.Transition("new", string(category))
	t.log.Info("marker created",
		zap.String("key", key),
		zap.String("state", string(state)))
	return nil
}

// Promote moves the marker from one category to another by copy then
// delete and reports whether this call moved it. A marker already gone
// from the source category is not an error.
func (t *Tracker) Promote(ctx context.Context, requestID, region string, from, to Category) (bool, error) {
	src := Key(from, region, requestID)
	dst := Key(to, region, requestID)

	_, err := t.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(t.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(t.bucket, src)),
	})
	if err != nil {
		if spotaws.IsObjectNotFound(err) {
			t.log.Debug("marker already moved", zap.String("key", src))
			return false, nil
		}
		return false, fmt.Errorf("failed to copy marker %s to %s: %w", src, dst, err)
	}

	if err := t.delete(ctx, src); err != nil {
		return false, err
	}

	t.metrics.Transition(string(from), string(to))
	t.log.Info("marker promoted",
		zap.String("request_id", requestID),
		zap.String("region", region),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return true, nil
}

// IncrementCheckCount adds one to an open marker's check count and
// returns the new value
func (t *Tracker) IncrementCheckCount(ctx context.Context, requestID, region string) (int, error) {
	marker, err := t.Get(ctx, Open, region, requestID)
	if err != nil {
		return 0, err
	}
	next := marker.CheckCount + 1
	key := marker.Key()

	_, err = t.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(t.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(t.bucket, key)),
		ContentType:       aws.String("text/plain"),
		Metadata:          map[string]string{metaCheckCount: strconv.Itoa(next)},
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update check count on %s: %w", key, err)
	}

	t.log.Debug("check count incremented", zap.String("key", key), zap.Int("check_count", next))
	return next, nil
}

// Get reads one marker including its check count
func (t *Tracker) Get(ctx context.Context, category Category, region, requestID string) (Marker, error) {
	key := Key(category, region, requestID)
	out, err := t.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if spotaws.IsObjectNotFound(err) {
			return Marker{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Marker{}, fmt.Errorf("failed to read marker %s: %w", key, err)
	}

	return Marker{
		Category:   category,
		Region:     region,
		RequestID:  requestID,
		CheckCount: checkCount(out.Metadata),
	}, nil
}

// Exists reports whether the marker is present
func (t *Tracker) Exists(ctx context.Context, category Category, region, requestID string) (bool, error) {
	_, err := t.Get(ctx, category, region, requestID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes a marker. Deleting an absent marker succeeds.
func (t *Tracker) Delete(ctx context.Context, category Category, region, requestID string) error {
	if err := t.delete(ctx, Key(category, region, requestID)); err != nil {
		return err
	}
	t.metrics.Transition(string(category), "deleted")
	return nil
}

// List returns every marker in category without check counts. Keys that
// do not parse are logged and skipped.
func (t *Tracker) List(ctx context.Context, category Category) ([]Marker, error) {
	var markers []Marker
	paginator := s3.NewListObjectsV2Paginator(t.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(string(category) + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s markers: %w", category, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			marker, err := ParseKey(key)
			if err != nil {
				t.log.Warn("skipping unrecognised object", zap.String("key", key), zap.Error(err))
				continue
			}
			markers = append(markers, marker)
		}
	}
	return markers, nil
}

// ListOpen returns the open markers with their check counts, grouped by
// region. A marker whose metadata cannot be read is logged and left out.
func (t *Tracker) ListOpen(ctx context.Context) (map[string][]Marker, error) {
	listed, err := t.List(ctx, Open)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]Marker)
	for _, m := range listed {
		full, err := t.Get(ctx, Open, m.Region, m.RequestID)
		if err != nil {
			t.log.Warn("skipping open marker",
				zap.String("key", m.Key()),
				zap.Error(err))
			continue
		}
		grouped[m.Region] = append(grouped[m.Region], full)
	}
	return grouped, nil
}

// CountByCategory counts markers per category
func (t *Tracker) CountByCategory(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(Categories))
	for _, category := range Categories {
		markers, err := t.List(ctx, category)
		if err != nil {
			return nil, err
		}
		counts[string(category)] = len(markers)
	}
	return counts, nil
}

// Regions returns the keys of a ListOpen result in sorted order
func Regions(grouped map[string][]Marker) []string {
	regions := lo.Keys(grouped)
	sort.Strings(regions)
	return regions
}

func (t *Tracker) delete(ctx context.Context, key string) error {
	_, err := t.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete marker %s: %w", key, err)
	}
	return nil
}

func copySource(bucket, key string) string {
	return bucket + "/" + url.PathEscape(key)
}

func checkCount(metadata map[string]string) int {
	for k, v := range metadata {
		switch strings.ToLower(k) {
		case metaCheckCount, metaCheckCountLegacy:
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
			return 0
		}
	}
	return 0
}

package exporters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/xray"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// segmentsPerCall bounds each PutTraceSegments request
const segmentsPerCall = 50

// annotated attributes become X-Ray annotations, which are indexed for
// filter expressions; everything else goes to metadata
var annotated = map[attribute.Key]bool{
	"region":      true,
	"request_id":  true,
	"instance_id": true,
	"trigger":     true,
	"job":         true,
}

// XRayAPI is the subset of X-Ray used by the exporter
type XRayAPI interface {
	PutTraceSegments(ctx context.Context, params *xray.PutTraceSegmentsInput, optFns ...func(*xray.Options)) (*xray.PutTraceSegmentsOutput, error)
}

// XRayExporter sends spans as X-Ray segment documents
type XRayExporter struct {
	client  XRayAPI
	service string
	log     *zap.Logger
}

type segment struct {
	TraceID     string                            `json:"trace_id"`
	ID          string                            `json:"id"`
	ParentID    string                            `json:"parent_id,omitempty"`
	Name        string                            `json:"name"`
	StartTime   float64                           `json:"start_time"`
	EndTime     float64                           `json:"end_time"`
	Origin      string                            `json:"origin"`
	Fault       bool                              `json:"fault,omitempty"`
	Cause       *cause                            `json:"cause,omitempty"`
	Annotations map[string]string                 `json:"annotations,omitempty"`
	Metadata    map[string]map[string]interface{} `json:"metadata,omitempty"`
}

type cause struct {
	Exceptions []exception `json:"exceptions"`
}

type exception struct {
	Message string `json:"message"`
}

func NewXRayExporter(cfg aws.Config, service string, log *zap.Logger) *XRayExporter {
	return NewXRayExporterWithClient(xray.NewFromConfig(cfg), service, log)
}

func NewXRayExporterWithClient(client XRayAPI, service string, log *zap.Logger) *XRayExporter {
	return &XRayExporter{client: client, service: service, log: log}
}

// ExportSpans converts and sends spans in batches. A span that fails to
// convert is dropped and logged; batch failures are joined.
func (e *XRayExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	documents := make([]string, 0, len(spans))
	for _, span := range spans {
		doc, err := json.Marshal(e.toSegment(span))
		if err != nil {
			e.log.Warn("dropping span", zap.String("span", span.Name()), zap.Error(err))
			continue
		}
		documents = append(documents, string(doc))
	}

	var errs []error
	for start := 0; start < len(documents); start += segmentsPerCall {
		end := min(start+segmentsPerCall, len(documents))
		out, err := e.client.PutTraceSegments(ctx, &xray.PutTraceSegmentsInput{
			TraceSegmentDocuments: documents[start:end],
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to put trace segments: %w", err))
			continue
		}
		if n := len(out.UnprocessedTraceSegments); n > 0 {
			e.log.Warn("x-ray rejected segments", zap.Int("count", n))
		}
	}
	return errors.Join(errs...)
}

func (e *XRayExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *XRayExporter) toSegment(span sdktrace.ReadOnlySpan) segment {
	traceID := span.SpanContext().TraceID().String()
	seg := segment{
		// X-Ray ids carry the epoch seconds in the first 8 hex digits
		TraceID:   fmt.Sprintf("1-%s-%s", traceID[:8], traceID[8:]),
		ID:        span.SpanContext().SpanID().String(),
		Name:      e.service,
		StartTime: float64(span.StartTime().UnixNano()) / 1e9,
		EndTime:   float64(span.EndTime().UnixNano()) / 1e9,
		Origin:    "AWS::EC2::Instance",
	}
	if parent := span.Parent(); parent.IsValid() {
		seg.ParentID = parent.SpanID().String()
	}
	if span.Status().Code == codes.Error {
		seg.Fault = true
		seg.Cause = &cause{Exceptions: []exception{{Message: span.Status().Description}}}
	}

	meta := map[string]interface{}{"operation": span.Name()}
	for _, kv := range span.Attributes() {
		if annotated[kv.Key] {
			if seg.Annotations == nil {
				seg.Annotations = make(map[string]string)
			}
			seg.Annotations[string(kv.Key)] = kv.Value.Emit()
			continue
		}
		meta[string(kv.Key)] = kv.Value.AsInterface()
	}
	seg.Metadata = map[string]map[string]interface{}{e.service: meta}
	return seg
}

// Package exporters holds the span exporters selectable from config.
package exporters

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// StdoutExporter writes one JSON line per span
type StdoutExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type spanLine struct {
	TraceID    string                 `json:"trace_id"`
	SpanID     string                 `json:"span_id"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Name       string                 `json:"name"`
	Start      time.Time              `json:"start"`
	DurationMS int64                  `json:"duration_ms"`
	Status     string                 `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// NewStdoutExporter writes to w, or to stderr when w is nil so spans never
// mix with command output
func NewStdoutExporter(w io.Writer) *StdoutExporter {
	if w == nil {
		w = os.Stderr
	}
	return &StdoutExporter{enc: json.NewEncoder(w)}
}

func (e *StdoutExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, span := range spans {
		line := spanLine{
			TraceID:    span.SpanContext().TraceID().String(),
			SpanID:     span.SpanContext().SpanID().String(),
			Name:       span.Name(),
			Start:      span.StartTime().UTC(),
			DurationMS: span.EndTime().Sub(span.StartTime()).Milliseconds(),
			Status:     span.Status().Code.String(),
			Error:      span.Status().Description,
			Attributes: attributeMap(span),
		}
		if parent := span.Parent(); parent.IsValid() {
			line.ParentID = parent.SpanID().String()
		}
		if err := e.enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func (e *StdoutExporter) Shutdown(ctx context.Context) error {
	return nil
}

func attributeMap(span sdktrace.ReadOnlySpan) map[string]interface{} {
	attrs := span.Attributes()
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

// Package tracing wires OpenTelemetry spans around launch, sweep and
// reclamation, exported to stdout or AWS X-Ray.
package tracing

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/observability"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/tracing/exporters"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/scttfrdmn/spotkeeper"

// Tracer pairs the tracer with the provider that must be flushed
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer. Disabled tracing yields a tracer on the
// global no-op provider. awsCfg supplies the X-Ray client and the region
// resource attribute.
func NewTracer(ctx context.Context, cfg observability.TracingConfig, awsCfg aws.Config, log *zap.Logger) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: otel.GetTracerProvider().Tracer(instrumentationName)}, nil
	}

	exporter, err := newExporter(cfg, awsCfg, log)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.CloudProviderAWS,
		semconv.CloudRegion(awsCfg.Region),
	}
	// set inside Lambda
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		attrs = append(attrs, semconv.FaaSName(fn))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(provider)

	log.Debug("tracing enabled",
		zap.String("exporter", cfg.Exporter),
		zap.Float64("sample_ratio", cfg.SampleRatio))

	return &Tracer{provider: provider, tracer: provider.Tracer(instrumentationName)}, nil
}

func newExporter(cfg observability.TracingConfig, awsCfg aws.Config, log *zap.Logger) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case observability.ExporterXRay:
		return exporters.NewXRayExporter(awsCfg, cfg.ServiceName, log), nil
	case observability.ExporterStdout:
		return exporters.NewStdoutExporter(nil), nil
	}
	return nil, fmt.Errorf("unsupported span exporter %q", cfg.Exporter)
}

// Shutdown flushes and stops the provider
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Flush exports buffered spans without stopping the provider. Lambda
// handlers call it before returning, since the sandbox may be frozen.
func (t *Tracer) Flush(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

package exporters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestStdoutExporterWritesLines(t *testing.T) {
	var buf bytes.Buffer
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewStdoutExporter(&buf)))
	tracer := provider.Tracer("test")

	ctx, parent := tracer.Start(context.Background(), "sweep")
	_, child := tracer.Start(ctx, "describe")
	child.SetAttributes(attribute.String("region", "us-west-2"))
	child.End()
	parent.End()

	var lines []spanLine
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line spanLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)

	assert.Equal(t, "describe", lines[0].Name)
	assert.Equal(t, lines[1].SpanID, lines[0].ParentID)
	assert.Equal(t, "us-west-2", lines[0].Attributes["region"])
	assert.Equal(t, "sweep", lines[1].Name)
	assert.Empty(t, lines[1].ParentID)
	assert.Equal(t, "Unset", lines[1].Status)
}

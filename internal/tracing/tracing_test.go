package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_DisabledInstallsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	_, span := Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSetup_ExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	orig := newExporter
	t.Cleanup(func() { newExporter = orig })

	var gotEndpoint string
	newExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		gotEndpoint = endpoint
		return exp, nil
	}

	p, err := Setup(context.Background(), Config{Endpoint: "collector:4318", Version: "test"})
	require.NoError(t, err)

	_, span := Tracer("test").Start(context.Background(), "copy")
	span.End()
	require.NoError(t, p.provider.ForceFlush(context.Background()))

	assert.Equal(t, "collector:4318", gotEndpoint)
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "copy", spans[0].Name)
	assert.NoError(t, p.Shutdown(context.Background()))
}

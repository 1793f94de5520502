package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansReachExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := WithExporter(Config{ServiceName: "certd-test"}, exp)
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	_, span := otel.Tracer("verify").Start(context.Background(), "resolve")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "resolve", spans[0].Name)

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "certd-test", service)
}

func TestSetupWithoutEndpoint(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, p.exporter)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNoOpShutdown(t *testing.T) {
	assert.NoError(t, NewNoOpProvider().Shutdown(context.Background()))
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

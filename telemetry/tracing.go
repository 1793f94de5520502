// Package telemetry installs the process-wide OpenTelemetry tracer provider.
// Spans are created by the issuance, verify and registry packages through
// otel.Tracer; this package decides where they go.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const Module = "telemetry"

type Config struct {
	// Endpoint is host:port or a full http(s) URL of an OTLP/HTTP collector.
	Endpoint    string
	ServiceName string
	// SampleRatio below 1 samples root spans; 0 means always sample.
	SampleRatio float64
}

// Provider owns the tracer provider and its exporter.
type Provider struct {
	tp       *sdktrace.TracerProvider
	exporter sdktrace.SpanExporter
	disabled bool
}

// NewNoOpProvider leaves the global no-op tracer in place.
func NewNoOpProvider() *Provider {
	return &Provider{disabled: true}
}

// Setup builds a provider for cfg and installs it globally. With no endpoint
// spans are still recorded, so sampling and context propagation behave the
// same, but nothing is exported.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []sdktrace.TracerProviderOption
	p := &Provider{}
	if cfg.Endpoint != "" {
		exp, err := newExporter(ctx, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		p.exporter = exp
		opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(2*time.Second)))
	}
	return p.install(cfg, opts...), nil
}

// WithExporter is Setup with a caller-supplied exporter, used by tests and
// by embedders that ship spans elsewhere.
func WithExporter(cfg Config, exp sdktrace.SpanExporter) *Provider {
	p := &Provider{exporter: exp}
	return p.install(cfg, sdktrace.WithSyncer(exp))
}

func (p *Provider) install(cfg Config, opts ...sdktrace.TracerProviderOption) *Provider {
	name := cfg.ServiceName
	if name == "" {
		name = "certd"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", common.GetCommitHash()),
	)
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	opts = append(opts, sdktrace.WithResource(res), sdktrace.WithSampler(sampler))
	p.tp = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tp)
	log.Info(Module, "tracing enabled", "service", name, "export", p.exporter != nil)
	return p
}

func newExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", endpoint, err)
	}
	return exp, nil
}

// Shutdown flushes pending spans. Safe on a no-op provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.disabled || p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn(Module, "span flush timed out")
	}
	return err
}

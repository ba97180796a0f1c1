// Package otel builds the Open Telemetry trace provider used by channel
// connections.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/xk6-channel/config"
)

const serviceName = "xk6-channel"

// ErrUnsupportedProto is returned for exporter protocols other than http.
var ErrUnsupportedProto = errors.New("unsupported protocol")

// Provider hands out tracers for channel connections. Shutdown flushes the
// spans not exported yet.
type Provider struct {
	trace.TracerProvider

	shutdown func(ctx context.Context) error
}

// FromOptions exports spans to opts.TracesEndpoint over OTLP. Without an
// endpoint spans are dropped.
func FromOptions(ctx context.Context, opts *config.Options) (*Provider, error) {
	if opts == nil || opts.TracesEndpoint == "" {
		return NewNoopProvider(), nil
	}

	exporter, err := newExporter(ctx, opts)
	if err != nil {
		return nil, err
	}
	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.TelemetrySDKLanguageGo,
		)),
	)
	return &Provider{TracerProvider: prov, shutdown: prov.Shutdown}, nil
}

func newExporter(ctx context.Context, opts *config.Options) (*otlptrace.Exporter, error) {
	if strings.ToLower(opts.TracesProto) != "http" {
		return nil, fmt.Errorf("exporting traces to %s: %w: %q", opts.TracesEndpoint, ErrUnsupportedProto, opts.TracesProto)
	}

	hopts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.TracesEndpoint)}
	if opts.TracesInsecure {
		hopts = append(hopts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(hopts...))
	if err != nil {
		return nil, fmt.Errorf("exporting traces to %s: %w", opts.TracesEndpoint, err)
	}
	return exporter, nil
}

// NewNoopProvider returns a provider whose spans are dropped.
func NewNoopProvider() *Provider {
	return &Provider{TracerProvider: trace.NewNoopTracerProvider()}
}

// Noop reports whether spans are dropped.
func (p *Provider) Noop() bool {
	return p.shutdown == nil
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

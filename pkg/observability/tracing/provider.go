// Package tracing builds the OpenTelemetry tracer provider used by the
// thread runtime's spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterZipkin = "zipkin"
)

// Config selects and configures the span exporter.
type Config struct {
	// Exporter is one of none, stdout or zipkin. Default: none.
	Exporter string `yaml:"exporter" json:"exporter" toml:"exporter"`

	// ZipkinURL is the collector endpoint, e.g.
	// "http://localhost:9411/api/v2/spans".
	ZipkinURL string `yaml:"zipkin_url" json:"zipkin_url" toml:"zipkin_url"`

	ServiceName string `yaml:"service_name" json:"service_name" toml:"service_name"`

	// SampleRatio is the fraction of root spans sampled. 0 means 1.
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio" toml:"sample_ratio"`

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer `yaml:"-" json:"-" toml:"-" env:"-"`
}

// NewProvider returns a tracer provider for cfg. The caller must Shutdown it
// to flush buffered spans.
func NewProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pthreadd"
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}

	switch cfg.Exporter {
	case "", ExporterNone:
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterZipkin:
		exp, err := zipkin.New(cfg.ZipkinURL)
		if err != nil {
			return nil, fmt.Errorf("zipkin exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

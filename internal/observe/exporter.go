package observe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TraceExporterConfig selects where spans are exported.
type TraceExporterConfig struct {
	// Exporter is "", "none", "stdout" or "otlp".
	Exporter string

	// OTLPEndpoint is the host:port of the OTLP gRPC collector.
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool

	// Writer receives stdout spans. Defaults to os.Stdout when nil.
	Writer io.Writer
}

// NewTraceExporter builds the span exporter described by cfg. It returns a nil
// exporter (and no error) when tracing export is disabled.
func NewTraceExporter(ctx context.Context, cfg TraceExporterConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "none":
		return nil, nil
	case "stdout":
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		return stdouttrace.New(opts...)
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, fmt.Errorf("observe: otlp exporter requires an endpoint")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("observe: unknown trace exporter %q; valid values: none, stdout, otlp", cfg.Exporter)
	}
}

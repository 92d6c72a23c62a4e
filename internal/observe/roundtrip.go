package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// roundTripper instruments outgoing requests made by the API transport.
type roundTripper struct {
	next    http.RoundTripper
	metrics *Metrics
	prop    propagation.TextMapPropagator
}

// RoundTripper wraps next (or [http.DefaultTransport] when nil) so that every
// outgoing request:
//
//  1. Runs inside a client span named "HTTP <method> <host>".
//  2. Carries W3C Trace Context headers.
//  3. Records its latency to [Metrics.HTTPRequestDuration].
//  4. Is logged at debug level with status and duration.
func RoundTripper(next http.RoundTripper, m *Metrics) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if m == nil {
		m = DefaultMetrics()
	}
	return &roundTripper{next: next, metrics: m, prop: propagation.TraceContext{}}
}

// RoundTrip implements [http.RoundTripper].
func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	ctx, span := StartSpan(req.Context(), "HTTP "+req.Method+" "+req.URL.Host,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.ServerAddress(req.URL.Hostname()),
			semconv.URLPath(req.URL.Path),
		),
	)
	defer span.End()

	// Never mutate the caller's request headers.
	req = req.Clone(ctx)
	rt.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := rt.next.RoundTrip(req)
	duration := time.Since(start)
	rt.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("host", req.URL.Host),
		),
	)

	if err != nil {
		FailSpan(span, err)
		Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "request failed",
			slog.String("method", req.Method),
			slog.String("host", req.URL.Host),
			slog.Duration("duration", duration),
			slog.Any("err", err),
		)
		return nil, err
	}

	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, resp.Status)
	}
	Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "request completed",
		slog.String("method", req.Method),
		slog.String("host", req.URL.Host),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
	)
	return resp, nil
}

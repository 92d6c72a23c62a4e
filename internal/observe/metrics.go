// Package observe provides observability primitives for the PlayHT client:
// OpenTelemetry metrics, distributed tracing, trace-aware structured logging,
// and an instrumented HTTP round tripper for outgoing API calls.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus; [Telemetry.MetricsHandler] serves the scrape
// endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all client metrics.
const meterName = "github.com/MrWong99/playht"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks how long a single synthesis call takes until
	// its audio stream (or URL) is available. Use with attribute:
	//   attribute.String("engine", ...)
	SynthesisDuration metric.Float64Histogram

	// TimeToFirstAudio tracks the delay between submitting a sentence and
	// forwarding its first payload byte.
	TimeToFirstAudio metric.Float64Histogram

	// AdmissionWait tracks how long a task waited in the congestion
	// controller queue before it was started. Use with attribute:
	//   attribute.String("policy", ...)
	AdmissionWait metric.Float64Histogram

	// HTTPRequestDuration tracks outgoing HTTP request latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("host", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// CoordinateResolutions counts inference coordinate lookups. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("status", ...)
	// status is one of "hit", "ok", "error" or "refresh".
	CoordinateResolutions metric.Int64Counter

	// Sentences counts sentences submitted for streaming synthesis.
	Sentences metric.Int64Counter

	// StreamErrors counts streams terminated by an error. Use with attribute:
	//   attribute.String("code", ...)
	StreamErrors metric.Int64Counter

	// --- Gauges ---

	// QueuedTasks tracks tasks waiting for admission.
	QueuedTasks metric.Int64UpDownCounter

	// InflightTasks tracks admitted tasks that have not yet produced audio.
	InflightTasks metric.Int64UpDownCounter

	// ActiveStreams tracks the number of open streaming sessions.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("playht.synthesis.duration",
		metric.WithDescription("Latency of a single synthesis call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("playht.stream.time_to_first_audio",
		metric.WithDescription("Delay from sentence submission to its first forwarded payload byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AdmissionWait, err = m.Float64Histogram("playht.congestion.admission_wait",
		metric.WithDescription("Time a task spent queued before admission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("playht.http.request.duration",
		metric.WithDescription("Outgoing HTTP request latency by method and host."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CoordinateResolutions, err = m.Int64Counter("playht.coordinates.resolutions",
		metric.WithDescription("Inference coordinate lookups by engine and status."),
	); err != nil {
		return nil, err
	}
	if met.Sentences, err = m.Int64Counter("playht.stream.sentences",
		metric.WithDescription("Sentences submitted for streaming synthesis."),
	); err != nil {
		return nil, err
	}
	if met.StreamErrors, err = m.Int64Counter("playht.stream.errors",
		metric.WithDescription("Streams terminated by an error, by error code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueuedTasks, err = m.Int64UpDownCounter("playht.congestion.queued",
		metric.WithDescription("Synthesis tasks waiting for admission."),
	); err != nil {
		return nil, err
	}
	if met.InflightTasks, err = m.Int64UpDownCounter("playht.congestion.inflight",
		metric.WithDescription("Admitted synthesis tasks that have not produced audio yet."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("playht.active_streams",
		metric.WithDescription("Number of open streaming sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCoordinateResolution records a coordinate lookup with the standard
// attribute set.
func (m *Metrics) RecordCoordinateResolution(ctx context.Context, engine, status string) {
	m.CoordinateResolutions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("status", status),
		),
	)
}

// RecordStreamError records a stream terminated with the given error code.
func (m *Metrics) RecordStreamError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.StreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordSynthesis records the duration of one synthesis call for engine.
func (m *Metrics) RecordSynthesis(ctx context.Context, engine string, seconds float64) {
	m.SynthesisDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

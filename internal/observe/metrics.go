// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/openclaw/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CallDuration tracks completed call length. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("reason", ...)
	CallDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// LLMDuration tracks outcome summarisation latency.
	LLMDuration metric.Float64Histogram

	// CarrierRequestDuration tracks carrier REST command latency. Use with
	// attributes: attribute.String("provider", ...), attribute.String("op", ...)
	CarrierRequestDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts initiated calls. Use with attribute:
	//   attribute.String("provider", ...)
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// StreamReconnects counts realtime session reconnect attempts.
	StreamReconnects metric.Int64Counter

	// HookDeliveries counts agent hook deliveries. Use with attribute:
	//   attribute.String("status", ...)
	HookDeliveries metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// WebhookRejections counts carrier webhooks that failed signature
	// verification. Use with attribute: attribute.String("provider", ...)
	WebhookRejections metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of currently live calls.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveStreams tracks the number of open media stream WebSockets.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets defines histogram bucket boundaries (in seconds) for
// whole-call durations.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 180, 300, 450, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("voicebridge.call.duration",
		metric.WithDescription("Length of completed calls by provider and end reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voicebridge.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voicebridge.llm.duration",
		metric.WithDescription("Latency of outcome summarisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CarrierRequestDuration, err = m.Float64Histogram("voicebridge.carrier.request.duration",
		metric.WithDescription("Latency of carrier REST commands by provider and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("voicebridge.calls.started",
		metric.WithDescription("Total initiated calls by provider."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voicebridge.calls.ended",
		metric.WithDescription("Total finished calls by provider and end reason."),
	); err != nil {
		return nil, err
	}
	if met.StreamReconnects, err = m.Int64Counter("voicebridge.stream.reconnects",
		metric.WithDescription("Total realtime session reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.HookDeliveries, err = m.Int64Counter("voicebridge.hook.deliveries",
		metric.WithDescription("Total agent hook deliveries by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicebridge.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.WebhookRejections, err = m.Int64Counter("voicebridge.webhook.rejections",
		metric.WithDescription("Total carrier webhooks rejected for bad signatures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicebridge.active_calls",
		metric.WithDescription("Number of currently live calls."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("voicebridge.active_streams",
		metric.WithDescription("Number of open media stream WebSockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordCallStarted records an initiated call.
func (m *Metrics) RecordCallStarted(ctx context.Context, provider string) {
	m.CallsStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordCallEnded records a finished call and its duration.
func (m *Metrics) RecordCallEnded(ctx context.Context, provider, reason string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	)
	m.CallsEnded.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, seconds, attrs)
}

// RecordHookDelivery records an agent hook delivery outcome.
func (m *Metrics) RecordHookDelivery(ctx context.Context, status string) {
	m.HookDeliveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordWebhookRejection records a webhook that failed signature verification.
func (m *Metrics) RecordWebhookRejection(ctx context.Context, provider string) {
	m.WebhookRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// Package observe provides application-wide observability primitives for
// callbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Metrics holds the OpenTelemetry instruments recorded by calls, the relay
// and the HTTP middleware. Instruments are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// UpstreamConnectDuration tracks how long dialling the voice-AI service
	// takes, credential acquisition included.
	UpstreamConnectDuration metric.Float64Histogram

	// PersistDuration tracks transcript persistence latency. Use with attribute:
	//   attribute.String("outcome", ...)
	PersistDuration metric.Float64Histogram

	// --- Counters ---

	// UpstreamConnects counts dial attempts. Use with attribute:
	//   attribute.String("status", ...)
	UpstreamConnects metric.Int64Counter

	// UpstreamEvents counts inbound voice-AI events. Use with attribute:
	//   attribute.String("type", ...)
	UpstreamEvents metric.Int64Counter

	// AudioFrames counts relayed audio buffers. Use with attributes:
	//   attribute.String("leg", ...), attribute.String("direction", ...)
	AudioFrames metric.Int64Counter

	// Notifications counts SMS job enqueue attempts. Use with attribute:
	//   attribute.String("status", ...)
	Notifications metric.Int64Counter

	// --- Error counters ---

	// DecodeErrors counts dropped media frames. Use with attribute:
	//   attribute.String("leg", ...)
	DecodeErrors metric.Int64Counter

	// HandlerErrors counts failed or panicking event handlers. Use with attribute:
	//   attribute.String("event", ...)
	HandlerErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls. Use with attribute:
	//   attribute.String("transport", ...)
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time, or the whole call for
	// upgraded websockets. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for network round trips to cloud services.
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
	if met.UpstreamConnectDuration, err = m.Float64Histogram("callbridge.upstream.connect.duration",
		metric.WithDescription("Latency of establishing the voice-AI connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("callbridge.transcript.persist.duration",
		metric.WithDescription("Latency of persisting a voicemail transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UpstreamConnects, err = m.Int64Counter("callbridge.upstream.connects",
		metric.WithDescription("Total voice-AI dial attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamEvents, err = m.Int64Counter("callbridge.upstream.events",
		metric.WithDescription("Total inbound voice-AI events by type."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("callbridge.audio.frames",
		metric.WithDescription("Total relayed audio buffers by leg and direction."),
	); err != nil {
		return nil, err
	}
	if met.Notifications, err = m.Int64Counter("callbridge.notifications",
		metric.WithDescription("Total SMS job enqueue attempts by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("callbridge.audio.decode_errors",
		metric.WithDescription("Total dropped media frames by leg."),
	); err != nil {
		return nil, err
	}
	if met.HandlerErrors, err = m.Int64Counter("callbridge.handler.errors",
		metric.WithDescription("Total failed event handler invocations by event."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callbridge.active_calls",
		metric.WithDescription("Number of live calls by transport."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordUpstreamConnect records a dial attempt and its latency.
func (m *Metrics) RecordUpstreamConnect(ctx context.Context, status string, d time.Duration) {
	m.UpstreamConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.UpstreamConnectDuration.Record(ctx, d.Seconds())
}

// RecordUpstreamEvent records one inbound voice-AI event.
func (m *Metrics) RecordUpstreamEvent(ctx context.Context, eventType string) {
	m.UpstreamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordAudioFrame records one relayed audio buffer.
func (m *Metrics) RecordAudioFrame(ctx context.Context, leg, direction string) {
	m.AudioFrames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("leg", leg),
			attribute.String("direction", direction),
		),
	)
}

// RecordDecodeError records one dropped media frame.
func (m *Metrics) RecordDecodeError(ctx context.Context, leg string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("leg", leg)))
}

// RecordHandlerError records one failed handler invocation.
func (m *Metrics) RecordHandlerError(ctx context.Context, event string) {
	m.HandlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordPersist records the outcome and latency of a transcript write.
func (m *Metrics) RecordPersist(ctx context.Context, outcome string, d time.Duration) {
	m.PersistDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordNotification records one SMS job enqueue attempt.
func (m *Metrics) RecordNotification(ctx context.Context, status string) {
	m.Notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// CallStarted increments the active call gauge and returns a function that
// decrements it again.
func (m *Metrics) CallStarted(ctx context.Context, transport string) (ended func()) {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.ActiveCalls.Add(ctx, 1, attrs)
	var once sync.Once
	return func() {
		once.Do(func() { m.ActiveCalls.Add(context.WithoutCancel(ctx), -1, attrs) })
	}
}

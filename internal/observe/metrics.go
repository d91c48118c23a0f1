// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics and tracing, trace-aware structured logging, and the
// HTTP middleware tying them together.
//
// [Init] installs the SDK providers and exports metrics to a Prometheus
// registry served on /metrics. [DefaultMetrics] builds instruments from the
// global meter provider; tests use [NewMetrics] with their own provider to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Reply outcomes recorded on [Metrics.Replies].
const (
	ReplyOK         = "ok"
	ReplyFallback   = "fallback"
	ReplySuperseded = "superseded"
	ReplyCancelled  = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ReplyDuration tracks the time from a response_required frame to the
	// reply terminator (or fallback frame).
	ReplyDuration metric.Float64Histogram

	// FirstFragmentLatency tracks the time from a response_required frame to
	// the first fragment written back to the voice platform.
	FirstFragmentLatency metric.Float64Histogram

	// --- Counters ---

	// Replies counts finished reply requests. Use with attribute:
	//   attribute.String("status", ReplyOK|ReplyFallback|ReplySuperseded|ReplyCancelled)
	Replies metric.Int64Counter

	// ReplyFragments counts fragment frames written to voice connections.
	ReplyFragments metric.Int64Counter

	// FramesDropped counts inbound voice frames that were discarded. Use with
	// attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// Broadcasts counts fan-out messages. Use with attribute:
	//   attribute.String("type", "transcript_update"|"call_ended")
	Broadcasts metric.Int64Counter

	// ViewerDrops counts viewers removed after a failed write.
	ViewerDrops metric.Int64Counter

	// ProviderRequests counts completion provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts completion provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of open voice connections.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveViewers tracks the number of subscribed transcript viewers.
	ActiveViewers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streamed LLM replies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ReplyDuration, err = m.Float64Histogram("callrelay.reply.duration",
		metric.WithDescription("Latency from response_required to the reply terminator."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstFragmentLatency, err = m.Float64Histogram("callrelay.reply.first_fragment",
		metric.WithDescription("Latency from response_required to the first reply fragment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Replies, err = m.Int64Counter("callrelay.replies",
		metric.WithDescription("Total reply requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ReplyFragments, err = m.Int64Counter("callrelay.reply.fragments",
		metric.WithDescription("Total reply fragment frames written to voice connections."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callrelay.frames.dropped",
		metric.WithDescription("Total inbound voice frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("callrelay.broadcasts",
		metric.WithDescription("Total fan-out messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ViewerDrops, err = m.Int64Counter("callrelay.viewer.drops",
		metric.WithDescription("Total viewers dropped after a failed write."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("callrelay.provider.requests",
		metric.WithDescription("Total completion provider requests by provider and status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("callrelay.provider.breaker_transitions",
		metric.WithDescription("Total completion provider circuit breaker transitions by target state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("callrelay.provider.errors",
		metric.WithDescription("Total completion provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callrelay.active_calls",
		metric.WithDescription("Number of open voice connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveViewers, err = m.Int64UpDownCounter("callrelay.active_viewers",
		metric.WithDescription("Number of subscribed transcript viewers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
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

// RecordReply records a finished reply request with the given outcome.
func (m *Metrics) RecordReply(ctx context.Context, status string) {
	m.Replies.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFrameDropped records one discarded inbound voice frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBroadcast records one fan-out message of the given type.
func (m *Metrics) RecordBroadcast(ctx context.Context, msgType string) {
	m.Broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a provider's circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

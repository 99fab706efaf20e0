// Package observe holds the server's OpenTelemetry instruments, span and
// logger helpers, and the HTTP middleware.
//
// Instruments are scraped through the Prometheus bridge installed by
// [InitProvider]. Code without injected metrics falls back to
// [DefaultMetrics]; tests build their own with [NewMetrics] on a manual
// reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/balcao"

// Metrics holds the server's instruments. All are safe for concurrent use.
type Metrics struct {
	// RecognitionDuration tracks speech-to-text latency per segment.
	RecognitionDuration metric.Float64Histogram

	// RecommendDuration tracks recommendation (LLM) latency per flush.
	RecommendDuration metric.Float64Histogram

	// SegmentDuration tracks the audio length of emitted speech segments.
	SegmentDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// Segments counts VAD segments. Attribute: cut_reason.
	Segments metric.Int64Counter

	// AdmissionDecisions counts admission checks. Attributes: result, reason.
	AdmissionDecisions metric.Int64Counter

	// AuthFailures counts rejected credentials.
	AuthFailures metric.Int64Counter

	// ArchiveFlushes counts archive files written. Attribute: kind.
	ArchiveFlushes metric.Int64Counter

	// Recommendations counts pushed recommendation messages.
	Recommendations metric.Int64Counter

	// SpeakerIdentified counts committed speaker identities.
	SpeakerIdentified metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ArchiveFaults counts failed archive writes and dropped queue items.
	// Attribute: kind ("write" or "dropped").
	ArchiveFaults metric.Int64Counter

	// DecoderFaults counts transcoder failures that closed a connection.
	DecoderFaults metric.Int64Counter

	// ActiveConnections tracks live streaming connections.
	ActiveConnections metric.Int64UpDownCounter

	// HTTPRequestDuration tracks plain HTTP requests. Attributes: method,
	// path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// recognition and recommendation latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13,
}

// segmentBuckets covers the VAD's range, from a bare onset to the 6 s cap.
var segmentBuckets = []float64{
	0.5, 1, 1.5, 2, 3, 4, 5, 6, 7,
}

// instruments creates instruments on one meter and keeps the first errors so
// [NewMetrics] can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		RecognitionDuration: b.histogram("balcao.recognition.duration",
			"Latency of speech-to-text recognition per segment.", latencyBuckets...),
		RecommendDuration: b.histogram("balcao.recommend.duration",
			"Latency of the recommendation service per flushed buffer.", latencyBuckets...),
		SegmentDuration: b.histogram("balcao.vad.segment.duration",
			"Audio duration of emitted speech segments.", segmentBuckets...),
		HTTPRequestDuration: b.histogram("balcao.http.request.duration",
			"HTTP request latency by method, route and status class."),

		ProviderRequests:   b.counter("balcao.provider.requests", "Provider API requests by provider, kind and status."),
		Segments:           b.counter("balcao.vad.segments", "Speech segments by cut reason."),
		AdmissionDecisions: b.counter("balcao.admission.decisions", "Admission checks by result and reason."),
		AuthFailures:       b.counter("balcao.auth.failures", "Connections closed for invalid credentials."),
		ArchiveFlushes:     b.counter("balcao.archive.flushes", "Archive files written by kind."),
		Recommendations:    b.counter("balcao.recommendations", "Recommendation messages pushed to clients."),
		SpeakerIdentified:  b.counter("balcao.speaker.identified", "Speaker identities committed to a connection."),

		ProviderErrors: b.counter("balcao.provider.errors", "Provider errors by provider and kind."),
		ArchiveFaults:  b.counter("balcao.archive.faults", "Archive write failures and dropped queue items."),
		DecoderFaults:  b.counter("balcao.decoder.faults", "Transcoder failures that closed a connection."),

		ActiveConnections: b.gauge("balcao.active_connections", "Live streaming connections."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created
// on first use.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
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

// RecordSegment records one emitted VAD segment.
func (m *Metrics) RecordSegment(ctx context.Context, cutReason string, seconds float64) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("cut_reason", cutReason)))
	m.SegmentDuration.Record(ctx, seconds)
}

// RecordAdmission records one admission decision. reason is empty when
// admitted.
func (m *Metrics) RecordAdmission(ctx context.Context, ok bool, reason string) {
	result := "admitted"
	if !ok {
		result = "rejected"
	}
	m.AdmissionDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("result", result),
			attribute.String("reason", reason),
		),
	)
}

// RecordArchiveFlush records one archive file written.
func (m *Metrics) RecordArchiveFlush(ctx context.Context, kind string) {
	m.ArchiveFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordArchiveFault records a failed write or a dropped queue item.
func (m *Metrics) RecordArchiveFault(ctx context.Context, kind string) {
	m.ArchiveFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

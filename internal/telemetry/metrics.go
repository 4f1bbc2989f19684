package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/wolfeidau/devicegate"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Connection metrics
	ConnectionsAccepted metric.Int64Counter
	ActiveConnections   metric.Int64UpDownCounter
	ConnectionDuration  metric.Float64Histogram

	// Handshake metrics
	HandshakeDuration metric.Float64Histogram
	HandshakeFailures metric.Int64Counter

	// Policy metrics
	PolicyDecisions metric.Int64Counter

	// Response metrics
	ResponsesWritten metric.Int64Counter
	IOErrors         metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance bound to the global meter
// provider, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = NewMetrics(otel.GetMeterProvider())
	})
	return metrics
}

// Tracer returns the tracer used for connection spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// NewMetrics creates all metric instruments from mp.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(instrumentationName)

	m := &Metrics{}

	// Connection metrics
	m.ConnectionsAccepted, _ = meter.Int64Counter(
		"devicegate.connections.accepted.total",
		metric.WithDescription("Total number of TCP connections accepted"),
		metric.WithUnit("{connection}"),
	)

	m.ActiveConnections, _ = meter.Int64UpDownCounter(
		"devicegate.connections.active",
		metric.WithDescription("Number of connections currently being served"),
		metric.WithUnit("{connection}"),
	)

	m.ConnectionDuration, _ = meter.Float64Histogram(
		"devicegate.connections.duration",
		metric.WithDescription("Time from accept to close of a connection"),
		metric.WithUnit("ms"),
	)

	// Handshake metrics
	m.HandshakeDuration, _ = meter.Float64Histogram(
		"devicegate.handshake.duration",
		metric.WithDescription("Duration of TLS handshakes"),
		metric.WithUnit("ms"),
	)

	m.HandshakeFailures, _ = meter.Int64Counter(
		"devicegate.handshake.failures.total",
		metric.WithDescription("Total number of failed TLS handshakes"),
		metric.WithUnit("{handshake}"),
	)

	// Policy metrics
	m.PolicyDecisions, _ = meter.Int64Counter(
		"devicegate.policy.decisions.total",
		metric.WithDescription("Total number of client chain decisions by outcome"),
		metric.WithUnit("{decision}"),
	)

	// Response metrics
	m.ResponsesWritten, _ = meter.Int64Counter(
		"devicegate.responses.written.total",
		metric.WithDescription("Total number of fixed responses written"),
		metric.WithUnit("{response}"),
	)

	m.IOErrors, _ = meter.Int64Counter(
		"devicegate.io.errors.total",
		metric.WithDescription("Total number of read or write errors after the handshake"),
		metric.WithUnit("{error}"),
	)

	return m
}

// RecordPolicyDecision counts an accepted or rejected client chain.
func (m *Metrics) RecordPolicyDecision(ctx context.Context, accepted bool, depth int) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.PolicyDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("depth", depth),
	))
}

// RecordHandshake records the duration of a handshake and counts it as a failure
// when err is not nil.
func (m *Metrics) RecordHandshake(ctx context.Context, started time.Time, err error) {
	m.HandshakeDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	if err != nil {
		m.HandshakeFailures.Add(ctx, 1)
	}
}

// RecordIOError counts a failed read or write, op names which.
func (m *Metrics) RecordIOError(ctx context.Context, op string) {
	m.IOErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

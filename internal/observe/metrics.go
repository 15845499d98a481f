// Package observe holds the OpenTelemetry metric instruments for call
// signaling and sessions. A Prometheus exporter bridge is installed by
// [InitProvider] so the instruments can be scraped from /metrics.
//
// A nil *Metrics is valid and records nothing, so packages can take an
// optional metrics handle without guarding every call site.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all goopcall metrics.
const meterName = "github.com/petervdpas/goopcall"

// Metrics holds all metric instruments for the application.
type Metrics struct {
	// CallsStarted counts outbound calls that reached ringing-outbound.
	CallsStarted metric.Int64Counter

	// CallsIncoming counts ringing records delivered by the incoming watcher.
	CallsIncoming metric.Int64Counter

	// CallsAnswered counts inbound calls the local user answered.
	CallsAnswered metric.Int64Counter

	// CallsEnded counts sessions that reached ended. Use with attribute:
	//   attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// SetupFailures counts start/answer attempts that failed before a call
	// record was produced. Use with attribute:
	//   attribute.String("stage", ...)
	SetupFailures metric.Int64Counter

	// CandidatesRelayed counts ICE candidates moved through the relay. Use with attribute:
	//   attribute.String("direction", "local"|"remote")
	CandidatesRelayed metric.Int64Counter

	// CandidatesRejected counts remote candidates the media peer refused.
	CandidatesRejected metric.Int64Counter

	// StoreErrors counts document store failures. Use with attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// ActiveSessions tracks sessions that are connecting or active.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from start/answer to transport connected.
	ConnectDuration metric.Float64Histogram

	// CallDuration tracks the length of calls that reached active.
	CallDuration metric.Float64Histogram
}

var connectBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60,
}

var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallsStarted, err = m.Int64Counter("goopcall.calls.started",
		metric.WithDescription("Outbound calls placed."),
	); err != nil {
		return nil, err
	}
	if met.CallsIncoming, err = m.Int64Counter("goopcall.calls.incoming",
		metric.WithDescription("Incoming ringing calls delivered to this peer."),
	); err != nil {
		return nil, err
	}
	if met.CallsAnswered, err = m.Int64Counter("goopcall.calls.answered",
		metric.WithDescription("Incoming calls answered locally."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("goopcall.calls.ended",
		metric.WithDescription("Sessions that reached the ended state, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SetupFailures, err = m.Int64Counter("goopcall.calls.setup_failures",
		metric.WithDescription("Call setup attempts that failed, by stage."),
	); err != nil {
		return nil, err
	}
	if met.CandidatesRelayed, err = m.Int64Counter("goopcall.candidates.relayed",
		metric.WithDescription("ICE candidates relayed, by direction."),
	); err != nil {
		return nil, err
	}
	if met.CandidatesRejected, err = m.Int64Counter("goopcall.candidates.rejected",
		metric.WithDescription("Remote ICE candidates rejected by the media peer."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("goopcall.store.errors",
		metric.WithDescription("Signaling document store failures, by operation."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("goopcall.sessions.active",
		metric.WithDescription("Sessions currently connecting or active."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("goopcall.connect.duration",
		metric.WithDescription("Time from call setup to transport connected."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("goopcall.call.duration",
		metric.WithDescription("Length of calls that reached active."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Inc adds one to counter when m is non-nil.
func (m *Metrics) Inc(ctx context.Context, pick func(*Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	pick(m).Add(ctx, 1, metric.WithAttributes(attrs...))
}

// StoreError records a failed store operation.
func (m *Metrics) StoreError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// SessionActive adjusts the active session gauge by delta.
func (m *Metrics) SessionActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

// Observe records v seconds on the histogram chosen by pick.
func (m *Metrics) Observe(ctx context.Context, pick func(*Metrics) metric.Float64Histogram, v float64) {
	if m == nil {
		return
	}
	pick(m).Record(ctx, v)
}

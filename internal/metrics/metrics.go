// Package metrics provides Prometheus metrics for netdiag.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "netdiag"
)

// Metrics contains all Prometheus metrics for the probe core.
type Metrics struct {
	// Send path
	ProbesSent   *prometheus.CounterVec
	SendErrors   *prometheus.CounterVec
	BytesSent    *prometheus.CounterVec
	ProbeTimeout *prometheus.CounterVec

	// Receive path
	MessagesReceived *prometheus.CounterVec
	RepliesMatched   *prometheus.CounterVec
	RepliesUnmatched *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	ReceiveLoops     *prometheus.GaugeVec

	// Correlation
	PendingTokens prometheus.Gauge
	RTT           *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProbesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total echo requests sent by address family",
		}, []string{"family"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total failed sends by address family and error type",
		}, []string{"family", "error_type"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total ICMP bytes written by address family",
		}, []string{"family"}),
		ProbeTimeout: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_timeouts_total",
			Help:      "Total probes that received no reply before their deadline",
		}, []string{"family"}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total ICMP messages decoded by address family and kind",
		}, []string{"family", "kind"}),
		RepliesMatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_matched_total",
			Help:      "Total echo replies matched to a pending probe",
		}, []string{"family"}),
		RepliesUnmatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_unmatched_total",
			Help:      "Total echo replies with no pending probe",
		}, []string{"family"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total inbound datagrams that failed to decode",
		}, []string{"family"}),
		ReceiveLoops: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "receive_loops_running",
			Help:      "Number of running receive loops by address family",
		}, []string{"family"}),

		PendingTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tokens",
			Help:      "Number of probes waiting for a reply",
		}),
		RTT: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Histogram of echo round-trip time",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"family"}),
	}
}

// Send path helpers. All helpers are no-ops on a nil *Metrics.

// RecordProbeSent records a successful send of n bytes.
func (m *Metrics) RecordProbeSent(family string, n int) {
	if m == nil {
		return
	}
	m.ProbesSent.WithLabelValues(family).Inc()
	m.BytesSent.WithLabelValues(family).Add(float64(n))
}

// RecordSendError records a failed send.
func (m *Metrics) RecordSendError(family, errorType string) {
	if m == nil {
		return
	}
	m.SendErrors.WithLabelValues(family, errorType).Inc()
}

// RecordTimeout records a probe that expired without reply.
func (m *Metrics) RecordTimeout(family string) {
	if m == nil {
		return
	}
	m.ProbeTimeout.WithLabelValues(family).Inc()
}

// Receive path helpers

// RecordMessage records a decoded inbound message.
func (m *Metrics) RecordMessage(family, kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(family, kind).Inc()
}

// RecordReply records an echo reply, matched or not.
func (m *Metrics) RecordReply(family string, matched bool) {
	if m == nil {
		return
	}
	if matched {
		m.RepliesMatched.WithLabelValues(family).Inc()
		return
	}
	m.RepliesUnmatched.WithLabelValues(family).Inc()
}

// RecordDecodeError records an inbound datagram that failed to decode.
func (m *Metrics) RecordDecodeError(family string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(family).Inc()
}

// RecordReceiveLoopStart records a receive loop starting.
func (m *Metrics) RecordReceiveLoopStart(family string) {
	if m == nil {
		return
	}
	m.ReceiveLoops.WithLabelValues(family).Inc()
}

// RecordReceiveLoopStop records a receive loop exiting.
func (m *Metrics) RecordReceiveLoopStop(family string) {
	if m == nil {
		return
	}
	m.ReceiveLoops.WithLabelValues(family).Dec()
}

// Correlation helpers

// SetPendingTokens sets the number of pending probes.
func (m *Metrics) SetPendingTokens(count int) {
	if m == nil {
		return
	}
	m.PendingTokens.Set(float64(count))
}

// RecordRTT records a measured round-trip time.
func (m *Metrics) RecordRTT(family string, rttSeconds float64) {
	if m == nil {
		return
	}
	m.RTT.WithLabelValues(family).Observe(rttSeconds)
}

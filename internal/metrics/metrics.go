// Package metrics provides Prometheus instrumentation for the forward
// proxy's connection and relay lifecycle. The cache's own hit/miss/
// eviction instruments live in internal/cache; this package covers the
// admission gate, the worker state machine outcomes, and relay timing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments the acceptor and worker
// update over a connection's lifetime.
type Metrics struct {
	admissionInUse  prometheus.Gauge
	admissionWaits  prometheus.Counter
	connectionsTot  prometheus.Counter
	relayDuration   prometheus.Histogram
	dialFailures    prometheus.Counter
	parseErrors     prometheus.Counter
	methodRejected  prometheus.Counter
	headerOverflows prometheus.Counter
	responsesByCode *prometheus.CounterVec
}

// New creates the metrics instruments without registering them, so a
// caller (or a test) can register against a private registry.
func New() *Metrics {
	return &Metrics{
		admissionInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwdproxy_admission_in_use",
			Help: "Number of admission-gate tokens currently held by active workers.",
		}),
		admissionWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_admission_waits_total",
			Help: "Total number of connections that had to wait for a free admission token.",
		}),
		connectionsTot: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_connections_total",
			Help: "Total number of client connections accepted.",
		}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwdproxy_relay_duration_seconds",
			Help:    "Time spent relaying an upstream response to a client.",
			Buckets: prometheus.DefBuckets,
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_upstream_dial_failures_total",
			Help: "Total number of failed upstream connect attempts.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_parse_errors_total",
			Help: "Total number of requests rejected as malformed (400).",
		}),
		methodRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_method_rejected_total",
			Help: "Total number of non-GET requests rejected (501).",
		}),
		headerOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdproxy_header_overflow_total",
			Help: "Total number of connections that exceeded the header size ceiling.",
		}),
		responsesByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdproxy_responses_total",
			Help: "Total number of responses sent to clients, by status code.",
		}, []string{"status"}),
	}
}

// Register registers every instrument with reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.admissionInUse,
		m.admissionWaits,
		m.connectionsTot,
		m.relayDuration,
		m.dialFailures,
		m.parseErrors,
		m.methodRejected,
		m.headerOverflows,
		m.responsesByCode,
	)
}

// ConnectionAccepted records a newly accepted client connection.
func (m *Metrics) ConnectionAccepted() { m.connectionsTot.Inc() }

// AdmissionWaited records that a connection blocked waiting for a free
// admission token before a worker could start.
func (m *Metrics) AdmissionWaited() { m.admissionWaits.Inc() }

// AdmissionAcquired records a token being held.
func (m *Metrics) AdmissionAcquired() { m.admissionInUse.Inc() }

// AdmissionReleased records a token being returned.
func (m *Metrics) AdmissionReleased() { m.admissionInUse.Dec() }

// ObserveRelay records the wall-clock duration of one relay invocation.
func (m *Metrics) ObserveRelay(d time.Duration) { m.relayDuration.Observe(d.Seconds()) }

// DialFailed records a failed upstream connect.
func (m *Metrics) DialFailed() { m.dialFailures.Inc() }

// ParseFailed records a malformed request (400).
func (m *Metrics) ParseFailed() { m.parseErrors.Inc() }

// MethodRejected records a non-GET request (501).
func (m *Metrics) MethodRejected() { m.methodRejected.Inc() }

// HeaderOverflow records a connection whose headers exceeded the ceiling.
func (m *Metrics) HeaderOverflow() { m.headerOverflows.Inc() }

// ResponseSent records a response status code sent to a client.
func (m *Metrics) ResponseSent(status int) {
	m.responsesByCode.WithLabelValues(statusLabel(status)).Inc()
}

func statusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 400:
		return "400"
	case 500:
		return "500"
	case 501:
		return "501"
	default:
		return "other"
	}
}

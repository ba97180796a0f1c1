package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "xk6_channel"

// Call outcomes.
const (
	outcomeOK           = "ok"
	outcomeError        = "error"
	outcomeTargetClosed = "target_closed"
	outcomeInvalid      = "invalid"
)

// Metrics are the server side instruments. One set may be shared by many
// connections.
type Metrics struct {
	Calls              *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec
	DispatchersActive  prometheus.Gauge
	ProtocolViolations prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "calls_total",
			Help:      "Calls received, by target type, method and outcome.",
		}, []string{"type", "method", "outcome"}),
		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "call_duration_seconds",
			Help:      "Time spent serving calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "method"}),
		DispatchersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "dispatchers_active",
			Help:      "Dispatchers currently registered.",
		}),
		ProtocolViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "protocol_violations_total",
			Help:      "Messages that broke the wire contract.",
		}),
	}
}

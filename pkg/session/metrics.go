package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the client-side Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connectsTotal *prometheus.CounterVec
	framesTotal   *prometheus.CounterVec
	skippedBytes  prometheus.Counter
	readErrors    *prometheus.CounterVec
	connected     prometheus.Gauge
}

// NewMetrics registers the collectors with reg under the "sst" namespace.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sst",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by outcome",
		}, []string{"result"}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sst",
			Name:      "frames_total",
			Help:      "Frames read per endpoint by kind (stats, skipped, desync)",
		}, []string{"endpoint", "kind"}),
		skippedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sst",
			Name:      "skipped_body_bytes_total",
			Help:      "Body bytes discarded for unrecognized frames",
		}),
		readErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sst",
			Name:      "read_errors_total",
			Help:      "Stream errors that tore down a session",
		}, []string{"endpoint"}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sst",
			Name:      "connected_endpoints",
			Help:      "Endpoints currently in the connectivity set",
		}),
	}
}

func (m *Metrics) connectResult(result string) {
	if m == nil {
		return
	}
	m.connectsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) frame(ep Endpoint, kind string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(ep.String(), kind).Inc()
}

func (m *Metrics) skipped(n uint32) {
	if m == nil {
		return
	}
	m.skippedBytes.Add(float64(n))
}

func (m *Metrics) readError(ep Endpoint) {
	if m == nil {
		return
	}
	m.readErrors.WithLabelValues(ep.String()).Inc()
}

func (m *Metrics) setConnected(n int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(n))
}

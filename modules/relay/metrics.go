package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gemacast"

type metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	bytesRelayed    prometheus.Counter
	sessionEnds     *prometheus.CounterVec
	metadataUpdates *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "sessions_active",
			Help:      "Number of audio channels currently relayed to a streaming server.",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "sessions_total",
			Help:      "Total number of audio channels accepted.",
		}),
		bytesRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "bytes_total",
			Help:      "Encoded audio bytes forwarded upstream.",
		}),
		sessionEnds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "session_ends_total",
			Help:      "Relayed sessions by the reason they ended.",
		}, []string{"reason"}),
		metadataUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "metadata_updates_total",
			Help:      "Title updates by result.",
		}, []string{"result"}),
	}
}

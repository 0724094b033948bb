package broadcaster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aiprojek/gemaweb-cast/pkg/session"
	"github.com/aiprojek/gemaweb-cast/pkg/transport"
)

const metricsNamespace = "gemacast"

type metrics struct {
	chunksSent      prometheus.Counter
	bytesSent       prometheus.Counter
	sendErrors      prometheus.Counter
	recordingsSaved prometheus.Counter
	recordedBytes   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, state func() session.State) *metrics {
	f := promauto.With(reg)

	for _, s := range []session.State{session.Idle, session.Connecting, session.Connected, session.Error} {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   module,
			Name:        "state",
			Help:        "Session state, 1 for the current state.",
			ConstLabels: prometheus.Labels{"state": s.String()},
		}, func() float64 {
			if state() == s {
				return 1
			}
			return 0
		})
	}

	return &metrics{
		chunksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "chunks_sent_total",
			Help:      "Encoded chunks handed to the transport.",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "bytes_sent_total",
			Help:      "Encoded bytes handed to the transport.",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "send_errors_total",
			Help:      "Chunks the transport failed to send.",
		}),
		recordingsSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "recordings_saved_total",
			Help:      "Recordings written to disk.",
		}),
		recordedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: module,
			Name:      "recorded_bytes_total",
			Help:      "Bytes of recordings written to disk.",
		}),
	}
}

// meteredTransport counts what passes through a transport.
type meteredTransport struct {
	transport.Transport
	m *metrics
}

func (t *meteredTransport) Send(chunk []byte) error {
	if err := t.Transport.Send(chunk); err != nil {
		t.m.sendErrors.Inc()
		return err
	}
	t.m.chunksSent.Inc()
	t.m.bytesSent.Add(float64(len(chunk)))
	return nil
}

// meteredSaver counts saved recordings.
type meteredSaver struct {
	session.Saver
	m *metrics
}

func (s meteredSaver) Save(name string, data []byte) (string, error) {
	path, err := s.Saver.Save(name, data)
	if err != nil {
		return "", err
	}
	s.m.recordingsSaved.Inc()
	s.m.recordedBytes.Add(float64(len(data)))
	return path, nil
}

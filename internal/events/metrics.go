package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "detour"

// MetricsSink counts events and relayed bytes as Prometheus metrics.
type MetricsSink struct {
	events *prometheus.CounterVec
	relays prometheus.Gauge
	bytes  *prometheus.CounterVec
}

// NewMetricsSink creates the collectors and registers them with reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	m := &MetricsSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Proxy events by kind.",
		}, []string{"kind"}),
		relays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Relays currently moving data.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed, by direction relative to the client.",
		}, []string{"direction"}),
	}

	for _, c := range []prometheus.Collector{m.events, m.relays, m.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsSink) Emit(e Event) {
	m.events.WithLabelValues(e.Kind.String()).Inc()

	switch e.Kind {
	case RelayStarted:
		m.relays.Inc()
	case RelayFinished:
		m.relays.Dec()
		m.bytes.WithLabelValues("sent").Add(float64(e.Sent))
		m.bytes.WithLabelValues("received").Add(float64(e.Received))
	}
}

package registry

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ConnectedSessions prometheus.Gauge
	AuthFailures      prometheus.Counter
}

// NewMetrics registers registry collectors. A nil registerer keeps the
// collectors unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palfrog",
			Subsystem: "registry",
			Name:      "connected_sessions",
			Help:      "Number of currently registered connections.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palfrog",
			Subsystem: "registry",
			Name:      "auth_failures_total",
			Help:      "Connection attempts rejected by credential verification.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectedSessions, m.AuthFailures)
	}
	return m
}

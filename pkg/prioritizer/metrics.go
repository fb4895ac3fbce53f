package prioritizer

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	running prometheus.Gauge
	total   *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "preparations_running",
			Help: "The number of offline preparations currently running",
		}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preparations_total",
			Help: "The total number of finished offline preparations, by status",
		}, []string{"status"}),
	}
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.running.Describe(ch)
	m.total.Describe(ch)
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.running.Collect(ch)
	m.total.Collect(ch)
}

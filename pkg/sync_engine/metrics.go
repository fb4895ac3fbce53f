package sync_engine

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	cycles       *prometheus.CounterVec
	items        *prometheus.CounterVec
	bytes        prometheus.Counter
	connectivity prometheus.Gauge
	duration     prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_cycles_total",
			Help: "The total number of finished sync cycles, by status",
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_items_total",
			Help: "The total number of synced records, by result",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_bytes_transferred_total",
			Help: "The total size of the records received from upstream",
		}),
		connectivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_connectivity_level",
			Help: "The last measured connectivity: 3 good, 2 moderate, 1 poor, 0 offline",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_cycle_duration_seconds",
			Help:    "The duration of sync cycles",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
	}
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.cycles.Describe(ch)
	m.items.Describe(ch)
	m.bytes.Describe(ch)
	m.connectivity.Describe(ch)
	m.duration.Describe(ch)
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.cycles.Collect(ch)
	m.items.Collect(ch)
	m.bytes.Collect(ch)
	m.connectivity.Collect(ch)
	m.duration.Collect(ch)
}

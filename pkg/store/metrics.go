package store

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	writes    prometheus.Counter
	evictions *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_hits_total",
			Help: "The total number of reads that found a live entry",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_misses_total",
			Help: "The total number of reads that found nothing",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_writes_total",
			Help: "The total number of entries written",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_evictions_total",
			Help: "The total number of entries removed, by reason",
		}, []string{"reason"}),
	}
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.hits.Describe(ch)
	m.misses.Describe(ch)
	m.writes.Describe(ch)
	m.evictions.Describe(ch)
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.hits.Collect(ch)
	m.misses.Collect(ch)
	m.writes.Collect(ch)
	m.evictions.Collect(ch)
}

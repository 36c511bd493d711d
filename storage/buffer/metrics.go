package buffer

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pagecache"

// labels of misses counter
const (
	missCold      = "cold"
	missRecency   = "recency_ghost"
	missFrequency = "frequency_ghost"
)

// metrics of buffer pool
type metrics struct {
	hits          prometheus.Counter
	misses        *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	flushedPages  prometheus.Counter
	residentPages prometheus.Gauge
	parkedPages   prometheus.Gauge
	arcTarget     prometheus.Gauge
}

// newMetrics initializes metrics and registers them when reg is not nil
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hits_total",
			Help:      "Number of page requests served from memory.",
		}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "misses_total",
			Help:      "Number of page requests which needed fetch, by ghost list which remembered the page.",
		}, []string{"list"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Number of resident pages evicted.",
		}, []string{"policy"}),
		flushedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushed_pages_total",
			Help:      "Number of dirty pages written out to disk.",
		}),
		residentPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "resident_pages",
			Help:      "Number of pages holding memory.",
		}),
		parkedPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "parked_pages",
			Help:      "Number of evicted dirty pages waiting for batch write.",
		}),
		arcTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "arc_target",
			Help:      "Adaptive target size of ARC recency list.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "reg.Register failed")
		}
	}
	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.hits, m.misses, m.evictions, m.flushedPages,
		m.residentPages, m.parkedPages, m.arcTarget,
	}
}

// observe updates gauges from stats
func (m *metrics) observe(s Stats) {
	m.residentPages.Set(float64(s.Resident))
	m.parkedPages.Set(float64(s.Parked))
	m.arcTarget.Set(float64(s.Target))
}

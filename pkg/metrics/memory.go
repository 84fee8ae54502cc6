package metrics

import "github.com/prometheus/client_golang/prometheus"

type MemoryMetrics struct {
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
	Unmapped     prometheus.Counter
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CachePurges  prometheus.Counter
}

func NewMemoryMetrics(reg prometheus.Registerer) *MemoryMetrics {
	m := &MemoryMetrics{
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_memory_read_bytes_total",
			Help: "Total number of guest virtual memory bytes read",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_memory_written_bytes_total",
			Help: "Total number of guest virtual memory bytes written",
		}),
		Unmapped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_memory_unmapped_total",
			Help: "Total number of accesses to addresses without a present translation",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_memory_translation_cache_hits_total",
			Help: "Total number of page translations served from the cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_memory_translation_cache_misses_total",
			Help: "Total number of page table walks",
		}),
		CachePurges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_memory_translation_cache_purges_total",
			Help: "Total number of translation cache invalidations",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BytesRead,
			m.BytesWritten,
			m.Unmapped,
			m.CacheHits,
			m.CacheMisses,
			m.CachePurges,
		)
	}
	return m
}

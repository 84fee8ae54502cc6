package metrics

import "github.com/prometheus/client_golang/prometheus"

type SymbolsMetrics struct {
	Stores       prometheus.Counter
	Symbols      prometheus.Counter
	LoadErrors   *prometheus.CounterVec
	Lookups      prometheus.Counter
	LookupMisses prometheus.Counter
	Downloads    prometheus.Counter
}

func NewSymbolsMetrics(reg prometheus.Registerer) *SymbolsMetrics {
	m := &SymbolsMetrics{
		Stores: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_symbols_stores_total",
			Help: "Total number of symbol stores inserted",
		}),
		Symbols: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_symbols_entries_total",
			Help: "Total number of symbols loaded",
		}),
		LoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmi_symbols_load_errors_total",
			Help: "Total number of symbol store load failures",
		}, []string{"reason"}),
		Lookups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_symbols_lookups_total",
			Help: "Total number of address to symbol lookups",
		}),
		LookupMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_symbols_lookup_misses_total",
			Help: "Total number of address lookups outside any known symbol",
		}),
		Downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_symbols_downloads_total",
			Help: "Total number of symbol stores fetched from a symbol server",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Stores,
			m.Symbols,
			m.LoadErrors,
			m.Lookups,
			m.LookupMisses,
			m.Downloads,
		)
	}
	return m
}

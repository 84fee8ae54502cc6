package metrics

import "github.com/prometheus/client_golang/prometheus"

type StateMetrics struct {
	Resumes      prometheus.Counter
	Traps        prometheus.Counter
	Callbacks    prometheus.Counter
	FilteredHits prometheus.Counter
	Halts        prometheus.Counter
	ArmedTraps   prometheus.Gauge
}

func NewStateMetrics(reg prometheus.Registerer) *StateMetrics {
	m := &StateMetrics{
		Resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_state_resumes_total",
			Help: "Total number of guest resumes",
		}),
		Traps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_state_traps_total",
			Help: "Total number of breakpoint traps observed",
		}),
		Callbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_state_callbacks_total",
			Help: "Total number of breakpoint callbacks invoked",
		}),
		FilteredHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_state_filtered_hits_total",
			Help: "Total number of process scoped breakpoint hits from another process",
		}),
		Halts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_state_halts_total",
			Help: "Total number of guest halts observed",
		}),
		ArmedTraps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmi_state_armed_traps",
			Help: "Number of physical traps currently armed",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Resumes,
			m.Traps,
			m.Callbacks,
			m.FilteredHits,
			m.Halts,
			m.ArmedTraps,
		)
	}
	return m
}

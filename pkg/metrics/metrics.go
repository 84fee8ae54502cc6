package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Memory  *MemoryMetrics
	Symbols *SymbolsMetrics
	State   *StateMetrics
	Syscall *SyscallMetrics

	SetupErrors *prometheus.CounterVec
}

// New builds every engine counter and registers them with reg, a nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	res := &Metrics{
		Memory:  NewMemoryMetrics(reg),
		Symbols: NewSymbolsMetrics(reg),
		State:   NewStateMetrics(reg),
		Syscall: NewSyscallMetrics(reg),

		SetupErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmi_setup_errors_total",
			Help: "Total number of engine setup failures by phase",
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(
			res.SetupErrors,
		)
	}
	return res
}

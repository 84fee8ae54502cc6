package metrics

import "github.com/prometheus/client_golang/prometheus"

type SyscallMetrics struct {
	Calls       *prometheus.CounterVec
	Breakpoints prometheus.Gauge
	ArgErrors   prometheus.Counter
}

func NewSyscallMetrics(reg prometheus.Registerer) *SyscallMetrics {
	m := &SyscallMetrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmi_syscall_calls_total",
			Help: "Total number of system calls traced",
		}, []string{"symbol"}),
		Breakpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmi_syscall_breakpoints",
			Help: "Number of system call stubs watched",
		}),
		ArgErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_syscall_arg_errors_total",
			Help: "Total number of traced calls whose stack arguments could not be read",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Calls,
			m.Breakpoints,
			m.ArgErrors,
		)
	}
	return m
}

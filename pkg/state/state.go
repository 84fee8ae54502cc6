// Package state drives the execution of the guest: it owns the breakpoint
// table, arms the physical traps on the hypervisor transport, resumes and
// pauses the guest and dispatches trap hits to breakpoint callbacks.
//
// The engine is driven by a single control goroutine. Wait is the only
// call that blocks on guest execution and callbacks run from inside Wait,
// while the guest is paused.
package state

import (
	"errors"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/memory"
	"github.com/go-delve/vmi/pkg/metrics"
)

// ExecState is the execution state of the guest.
type ExecState int

const (
	Paused ExecState = iota
	Running
)

func (s ExecState) String() string {
	if s == Running {
		return "running"
	}
	return "paused"
}

// ProcessLocator resolves the process currently executing on the vCPU that
// reported the last trap. It is implemented by the OS layer.
type ProcessLocator interface {
	CurrentProcessID() (uint64, error)
}

// Engine is the execution control state machine.
type Engine struct {
	t   hv.Transport
	mem *memory.Memory

	state     ExecState
	kernelDTB guest.DTB
	locator   ProcessLocator

	bps    map[int]*Breakpoint
	traps  map[trapKey]*trap
	nextID int

	metrics *metrics.StateMetrics
	log     *logrus.Entry
}

// New returns an engine controlling the guest behind t. The guest is
// expected to be paused. m may be nil.
func New(t hv.Transport, mem *memory.Memory, m *metrics.StateMetrics) *Engine {
	if m == nil {
		m = metrics.NewStateMetrics(nil)
	}
	return &Engine{
		t:       t,
		mem:     mem,
		state:   Paused,
		bps:     make(map[int]*Breakpoint),
		traps:   make(map[trapKey]*trap),
		nextID:  1,
		metrics: m,
		log:     logflags.StateLogger(),
	}
}

// SetKernelDTB sets the address space used to translate global
// breakpoints on kernel addresses.
func (e *Engine) SetKernelDTB(dtb guest.DTB) {
	e.kernelDTB = dtb
}

// SetProcessLocator sets the locator used to filter process scoped
// breakpoint hits.
func (e *Engine) SetProcessLocator(l ProcessLocator) {
	e.locator = l
}

// State returns the current execution state.
func (e *Engine) State() ExecState {
	return e.state
}

// SetBreakpoint registers a global breakpoint at addr.
func (e *Engine) SetBreakpoint(addr uint64, cb Callback) (*Breakpoint, error) {
	return e.SetProcessBreakpoint(addr, Scope{}, cb)
}

// SetProcessBreakpoint registers a breakpoint at addr whose callback is only
// invoked when the trap is hit while scope is the current process. The
// trap is set on the transport on the next Resume.
func (e *Engine) SetProcessBreakpoint(addr uint64, scope Scope, cb Callback) (*Breakpoint, error) {
	dtb, err := e.translationDTB(addr, scope)
	if err != nil {
		return nil, err
	}
	key := trapKey{addr: addr, dtb: scope.DTB}
	tr, ok := e.traps[key]
	if !ok {
		pa, err := e.mem.Translate(dtb, addr)
		if err != nil {
			if errors.Is(err, memory.ErrUnmapped) {
				return nil, &UnmappedBreakpointError{Addr: addr, DTB: dtb, Err: err}
			}
			return nil, err
		}
		tr = &trap{hw: hv.Breakpoint{Virt: addr, Phys: pa, DTB: scope.DTB}}
		e.traps[key] = tr
	}
	tr.refs++

	bp := &Breakpoint{ID: e.nextID, Addr: addr, Scope: scope, cb: cb, trap: tr}
	e.nextID++
	e.bps[bp.ID] = bp
	if logflags.State() {
		e.log.Debugf("set %v (physical %#x)", bp, tr.hw.Phys)
	}
	return bp, nil
}

func (e *Engine) translationDTB(addr uint64, scope Scope) (guest.DTB, error) {
	if scope.DTB != 0 {
		return scope.DTB, nil
	}
	if e.kernelDTB != 0 && guest.KernelAddr(addr) {
		return e.kernelDTB, nil
	}
	cr3, err := e.t.ReadRegister(hv.CR3)
	if err != nil {
		return 0, hv.Failure("read cr3", err)
	}
	return guest.DTB(cr3), nil
}

// RemoveBreakpoint unregisters bp. The physical trap is cleared when no
// other breakpoint uses it. It must be called while the guest is paused.
func (e *Engine) RemoveBreakpoint(bp *Breakpoint) error {
	if e.state == Running {
		return ErrRunning
	}
	if bp == nil || e.bps[bp.ID] != bp {
		return ErrUnknownBreakpoint
	}
	delete(e.bps, bp.ID)
	bp.removed = true
	tr := bp.trap
	tr.refs--
	if tr.refs > 0 {
		return nil
	}
	delete(e.traps, trapKey{addr: tr.hw.Virt, dtb: tr.hw.DTB})
	if !tr.armed {
		return nil
	}
	tr.armed = false
	e.metrics.ArmedTraps.Dec()
	if err := e.t.ClearBreakpoint(tr.hw); err != nil {
		return hv.Failure("clear breakpoint", err)
	}
	if logflags.State() {
		e.log.Debugf("cleared trap at %#x", tr.hw.Virt)
	}
	return nil
}

// Breakpoints returns the registered breakpoints in registration order.
func (e *Engine) Breakpoints() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(e.bps))
	for _, bp := range e.bps {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// Resume arms every trap not yet set and lets the guest run. The
// instruction at the current pc is executed even if it has a trap. It
// does nothing if the guest is already running.
func (e *Engine) Resume() error {
	if e.state == Running {
		return nil
	}
	for _, tr := range e.traps {
		if tr.armed {
			continue
		}
		if err := e.t.SetBreakpoint(tr.hw); err != nil {
			return hv.Failure("set breakpoint", err)
		}
		tr.armed = true
		e.metrics.ArmedTraps.Inc()
	}
	if err := e.stepOverTrap(); err != nil {
		return err
	}
	e.mem.Invalidate()
	if err := e.t.Resume(); err != nil {
		return hv.Failure("resume", err)
	}
	e.state = Running
	e.metrics.Resumes.Inc()
	return nil
}

// stepOverTrap executes the instruction at the current pc with its traps
// cleared, so that resuming from a breakpoint does not hit it again.
func (e *Engine) stepOverTrap() error {
	pc, err := e.t.ReadRegister(hv.RIP)
	if err != nil {
		return hv.Failure("read rip", err)
	}
	var cleared []*trap
	for _, tr := range e.traps {
		if tr.armed && tr.hw.Virt == pc {
			cleared = append(cleared, tr)
		}
	}
	if len(cleared) == 0 {
		return nil
	}
	for _, tr := range cleared {
		if err := e.t.ClearBreakpoint(tr.hw); err != nil {
			return hv.Failure("clear breakpoint", err)
		}
	}
	if err := e.t.Step(); err != nil {
		return hv.Failure("step", err)
	}
	for _, tr := range cleared {
		if err := e.t.SetBreakpoint(tr.hw); err != nil {
			return hv.Failure("set breakpoint", err)
		}
	}
	return nil
}

// Pause stops the guest. It does nothing if the guest is already paused.
func (e *Engine) Pause() error {
	if e.state == Paused {
		return nil
	}
	if err := e.t.Pause(); err != nil {
		return hv.Failure("pause", err)
	}
	e.state = Paused
	e.mem.Invalidate()
	return nil
}

// SingleStep executes one instruction of the current vCPU.
func (e *Engine) SingleStep() error {
	if e.state == Running {
		return ErrRunning
	}
	if err := e.t.Step(); err != nil {
		return hv.Failure("step", err)
	}
	e.mem.Invalidate()
	return nil
}

// Wait blocks until the guest hits a breakpoint whose scope matches the
// current process and dispatches the hit to the callbacks of every such
// breakpoint, in registration order. Traps that match no breakpoint are
// stepped over and the guest is resumed.
//
// The guest is paused when Wait returns, it is not resumed automatically.
// ErrGuestHalted is returned when the guest stops executing.
func (e *Engine) Wait() error {
	if e.state == Paused {
		return ErrNotRunning
	}
	for {
		ev, err := e.t.Wait()
		e.state = Paused
		e.mem.Invalidate()
		if err != nil {
			return hv.Failure("wait", err)
		}
		switch ev.Kind {
		case hv.EventHalt:
			e.metrics.Halts.Inc()
			return ErrGuestHalted
		case hv.EventInterrupt:
			return nil
		}
		e.metrics.Traps.Inc()
		n, err := e.dispatch(ev)
		if err != nil || n > 0 {
			return err
		}
		if err := e.Resume(); err != nil {
			return err
		}
	}
}

// dispatch invokes the callbacks of the breakpoints matching ev, it returns
// the number of callbacks invoked.
func (e *Engine) dispatch(ev hv.Event) (int, error) {
	pc := ev.PC
	if pc == 0 {
		var err error
		pc, err = e.t.ReadRegister(hv.RIP)
		if err != nil {
			return 0, hv.Failure("read rip", err)
		}
	}
	var hits []*Breakpoint
	for _, bp := range e.Breakpoints() {
		if bp.Addr == pc {
			hits = append(hits, bp)
		}
	}

	var current uint64
	resolved := false
	n := 0
	for _, bp := range hits {
		if bp.removed {
			continue
		}
		if !bp.Scope.Global() {
			if !resolved {
				id, err := e.currentProcess()
				if err != nil {
					return n, err
				}
				current, resolved = id, true
			}
			if bp.Scope.ProcessID != current {
				e.metrics.FilteredHits.Inc()
				continue
			}
		}
		bp.HitCount++
		n++
		e.metrics.Callbacks.Inc()
		if bp.cb != nil {
			bp.cb(&Hit{Breakpoint: bp, Addr: pc, VCPU: ev.VCPU, Engine: e})
		}
	}
	if logflags.State() {
		e.log.Debugf("trap at %#x: %d breakpoints, %d callbacks", pc, len(hits), n)
	}
	return n, nil
}

func (e *Engine) currentProcess() (uint64, error) {
	if e.locator == nil {
		return 0, errors.New("no process locator to filter process breakpoints")
	}
	id, err := e.locator.CurrentProcessID()
	if err != nil {
		if errors.Is(err, hv.ErrTransportFailure) {
			return 0, err
		}
		// a hit whose process cannot be resolved matches no process
		e.log.Warnf("could not resolve current process: %v", err)
		return 0, nil
	}
	return id, nil
}

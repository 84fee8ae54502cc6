package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/hv/hvtest"
	"github.com/go-delve/vmi/pkg/memory"
)

const (
	kernelFunc = 0xfffff80000001000
	userFunc   = 0x7ff600001000

	pidA = 0xffffa00000001000
	pidB = 0xffffa00000002000
)

type fixture struct {
	g      *hvtest.Guest
	e      *Engine
	kernel guest.DTB
	dtbA   guest.DTB
	dtbB   guest.DTB
}

// cr3Locator maps the current address space to a process id.
type cr3Locator struct {
	g    *hvtest.Guest
	pids map[uint64]uint64
}

func (l *cr3Locator) CurrentProcessID() (uint64, error) {
	cr3, err := l.g.ReadRegister(hv.CR3)
	if err != nil {
		return 0, err
	}
	return l.pids[cr3], nil
}

func newFixture(t *testing.T) *fixture {
	g := hvtest.New()
	f := &fixture{g: g, kernel: g.NewAddressSpace(), dtbA: g.NewAddressSpace(), dtbB: g.NewAddressSpace()}
	g.MapRange(f.kernel, kernelFunc, hvtest.PageSize)
	g.Share(f.dtbA, f.kernel, kernelFunc, hvtest.PageSize)
	g.Share(f.dtbB, f.kernel, kernelFunc, hvtest.PageSize)
	g.MapRange(f.dtbA, userFunc, hvtest.PageSize)
	g.MapRange(f.dtbB, userFunc, hvtest.PageSize)
	g.SetRegister(hv.CR3, uint64(f.kernel))

	mem, err := memory.New(g, 64, nil)
	require.NoError(t, err)
	f.e = New(g, mem, nil)
	f.e.SetKernelDTB(f.kernel)
	f.e.SetProcessLocator(&cr3Locator{g: g, pids: map[uint64]uint64{
		uint64(f.dtbA): pidA,
		uint64(f.dtbB): pidB,
	}})
	return f
}

func (f *fixture) at(pc uint64, dtb guest.DTB) hvtest.State {
	return hvtest.State{PC: pc, Regs: map[hv.Register]uint64{hv.CR3: uint64(dtb)}}
}

// run resumes and waits until the guest halts, returning the number of
// Wait calls that dispatched a hit.
func (f *fixture) run(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		require.NoError(t, f.e.Resume())
		err := f.e.Wait()
		if errors.Is(err, ErrGuestHalted) {
			return n
		}
		require.NoError(t, err)
		require.Equal(t, Paused, f.e.State())
		require.False(t, f.g.Running(), "guest resumed after dispatch")
		n++
	}
}

func TestInitialState(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, Paused, f.e.State())
	require.ErrorIs(t, f.e.Wait(), ErrNotRunning)
	require.NoError(t, f.e.Pause())
}

func TestProcessScope(t *testing.T) {
	f := newFixture(t)
	var seen []uint64
	cb := func(h *Hit) {
		cr3, _ := f.g.ReadRegister(hv.CR3)
		seen = append(seen, cr3)
		require.Equal(t, uint64(userFunc), h.Addr)
		require.Equal(t, uint64(pidA), h.Breakpoint.Scope.ProcessID)
	}
	_, err := f.e.SetProcessBreakpoint(userFunc, Scope{ProcessID: pidA, DTB: f.dtbA}, cb)
	require.NoError(t, err)

	f.g.Script(
		f.at(userFunc, f.dtbB),
		f.at(userFunc, f.dtbA),
		f.at(0x7ff600001004, f.dtbA),
		f.at(userFunc, f.dtbB),
		f.at(userFunc, f.dtbB),
		f.at(userFunc, f.dtbA),
		f.at(0x7ff600001004, f.dtbA),
	)
	require.Equal(t, 2, f.run(t))
	require.Equal(t, []uint64{uint64(f.dtbA), uint64(f.dtbA)}, seen)
}

func TestSharedTrap(t *testing.T) {
	f := newFixture(t)
	var order []int
	cb := func(h *Hit) { order = append(order, h.Breakpoint.ID) }
	bp1, err := f.e.SetBreakpoint(kernelFunc, cb)
	require.NoError(t, err)
	bp2, err := f.e.SetBreakpoint(kernelFunc, cb)
	require.NoError(t, err)
	bp3, err := f.e.SetProcessBreakpoint(kernelFunc, Scope{ProcessID: pidB, DTB: f.dtbB}, cb)
	require.NoError(t, err)

	require.Equal(t, 0, f.g.ArmedCount(), "traps are armed on resume")
	hw := hv.Breakpoint{Virt: kernelFunc, Phys: bp1.trap.hw.Phys}
	pa, ok := f.g.Translate(f.kernel, kernelFunc)
	require.True(t, ok)
	require.Equal(t, pa, hw.Phys)

	f.g.Script(f.at(kernelFunc, f.dtbA), f.at(kernelFunc+4, f.dtbA), f.at(kernelFunc, f.dtbB), f.at(kernelFunc+4, f.dtbB))
	require.NoError(t, f.e.Resume())
	require.Equal(t, 1, f.g.Armed(hw), "one trap shared by the global breakpoints")
	require.Equal(t, 2, f.g.ArmedCount())
	require.NoError(t, f.e.Wait())
	require.Equal(t, []int{bp1.ID, bp2.ID}, order)

	require.NoError(t, f.e.Resume())
	require.Equal(t, 1, f.g.Steps, "resuming from a trap steps over it")
	require.Equal(t, 1, f.g.Armed(hw))
	require.NoError(t, f.e.Wait())
	require.Equal(t, []int{bp1.ID, bp2.ID, bp1.ID, bp2.ID, bp3.ID}, order)

	require.NoError(t, f.e.RemoveBreakpoint(bp1))
	require.Equal(t, 1, f.g.Armed(hw))
	require.NoError(t, f.e.RemoveBreakpoint(bp2))
	require.Equal(t, 0, f.g.Armed(hw), "last removal clears the trap")
	require.ErrorIs(t, f.e.RemoveBreakpoint(bp2), ErrUnknownBreakpoint)
	require.NoError(t, f.e.RemoveBreakpoint(bp3))
	require.Equal(t, 0, f.g.ArmedCount())
	require.Empty(t, f.e.Breakpoints())
}

func TestRemovedBreakpointNotHit(t *testing.T) {
	f := newFixture(t)
	hits := 0
	bp, err := f.e.SetBreakpoint(kernelFunc, func(*Hit) { hits++ })
	require.NoError(t, err)
	f.g.Script(f.at(kernelFunc, f.dtbA), f.at(kernelFunc+4, f.dtbA), f.at(kernelFunc, f.dtbA), f.at(kernelFunc, f.dtbB))

	require.NoError(t, f.e.Resume())
	require.NoError(t, f.e.Wait())
	require.Equal(t, 1, hits)
	require.NoError(t, f.e.RemoveBreakpoint(bp))
	require.True(t, bp.Removed())
	require.Equal(t, 0, f.run(t))
	require.Equal(t, 1, hits)
}

func TestInterruptedWait(t *testing.T) {
	f := newFixture(t)
	hits := 0
	_, err := f.e.SetBreakpoint(kernelFunc, func(*Hit) { hits++ })
	require.NoError(t, err)
	f.g.Script(f.at(kernelFunc+4, f.dtbA), f.at(kernelFunc, f.dtbA))

	require.NoError(t, f.e.Resume())
	require.NoError(t, f.g.Interrupt())
	require.NoError(t, f.e.Wait())
	require.Equal(t, Paused, f.e.State())
	require.Equal(t, 0, hits)

	require.NoError(t, f.e.Resume())
	require.NoError(t, f.e.Wait())
	require.Equal(t, 1, hits)
}

func TestRemoveDuringDispatch(t *testing.T) {
	f := newFixture(t)
	var calls []string
	var second *Breakpoint
	_, err := f.e.SetBreakpoint(kernelFunc, func(h *Hit) {
		calls = append(calls, "first")
		require.NoError(t, h.Engine.RemoveBreakpoint(h.Breakpoint))
		require.NoError(t, h.Engine.RemoveBreakpoint(second))
	})
	require.NoError(t, err)
	second, err = f.e.SetBreakpoint(kernelFunc, func(h *Hit) {
		calls = append(calls, "second")
	})
	require.NoError(t, err)

	f.g.Script(f.at(kernelFunc, f.dtbA), f.at(kernelFunc, f.dtbB))
	require.Equal(t, 1, f.run(t))
	require.Equal(t, []string{"first"}, calls)
	require.Equal(t, 0, f.g.ArmedCount())
}

func TestUnmappedBreakpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.e.SetProcessBreakpoint(0x7ff700000000, Scope{ProcessID: pidA, DTB: f.dtbA}, nil)
	require.ErrorIs(t, err, ErrUnmappedBreakpoint)
	require.ErrorIs(t, err, memory.ErrUnmapped)
	_, err = f.e.SetBreakpoint(0xfffff80000100000, nil)
	require.ErrorIs(t, err, ErrUnmappedBreakpoint)
	require.Empty(t, f.e.Breakpoints())
}

func TestRemoveWhileRunning(t *testing.T) {
	f := newFixture(t)
	bp, err := f.e.SetBreakpoint(kernelFunc, nil)
	require.NoError(t, err)
	f.g.Script(f.at(kernelFunc, f.dtbA))
	require.NoError(t, f.e.Resume())
	require.NoError(t, f.e.Resume(), "resume while running is a no-op")
	require.ErrorIs(t, f.e.RemoveBreakpoint(bp), ErrRunning)
	require.ErrorIs(t, f.e.SingleStep(), ErrRunning)
	require.NoError(t, f.e.Pause())
	require.Equal(t, Paused, f.e.State())
	require.NoError(t, f.e.RemoveBreakpoint(bp))
}

func TestTransportFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.e.SetBreakpoint(kernelFunc, nil)
	require.NoError(t, err)
	f.g.Script(f.at(kernelFunc, f.dtbA))
	require.NoError(t, f.e.Resume())
	f.g.Fail = errors.New("connection reset")
	err = f.e.Wait()
	require.ErrorIs(t, err, hv.ErrTransportFailure)
	require.Equal(t, Paused, f.e.State())
}

package callstack

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv/hvtest"
	"github.com/go-delve/vmi/pkg/memory"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/symbols"
)

const (
	stackBase = 0x000000e0000f0000
	stackSize = 0x10000
	codeBase  = 0x7ff612340000
)

type stack struct {
	g    *hvtest.Guest
	proc osi.Process
	mem  *memory.Memory
}

func newStack(t *testing.T) *stack {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	g.MapRange(dtb, stackBase, stackSize)
	mem, err := memory.New(g, 64, nil)
	require.NoError(t, err)
	return &stack{g: g, proc: osi.Process{ID: 1, DTB: dtb}, mem: mem}
}

// chain writes n frames starting at sp+0x40, 0x40 bytes apart, the last
// one linking to last. It returns the initial context and the return
// addresses.
func (s *stack) chain(n int, last uint64) (Context, []uint64) {
	ctx := Context{IP: codeBase + 0x10, SP: stackBase + 0x100}
	bp := ctx.SP + 0x40
	ctx.BP = bp
	if n == 0 {
		ctx.BP = last
	}
	var rets []uint64
	for i := 0; i < n; i++ {
		next := bp + 0x40
		if i == n-1 {
			next = last
		}
		ret := uint64(codeBase + 0x100*(i+1) + 5)
		s.g.Poke64(s.proc.DTB, bp, next)
		s.g.Poke64(s.proc.DTB, bp+8, ret)
		rets = append(rets, ret)
		bp = next
	}
	return ctx, rets
}

func (s *stack) walk(t *testing.T, u *Unwinder, ctx Context) ([]uint64, error) {
	var ips []uint64
	err := u.Get(s.proc, ctx, func(step Callstep) guest.Walk {
		ips = append(ips, step.Addr)
		return guest.Next
	})
	return ips, err
}

func TestChainedFrames(t *testing.T) {
	for _, n := range []int{0, 1, 5, 20} {
		s := newStack(t)
		// the frame after the last one is right above the mapped stack
		ctx, rets := s.chain(n, stackBase+stackSize)
		ips, err := s.walk(t, New(s.mem, nil, AMD64), ctx)
		require.ErrorIs(t, err, memory.ErrUnmapped, "n=%d", n)
		require.Equal(t, append([]uint64{ctx.IP}, rets...), ips, "n=%d", n)
	}
}

func TestImplausibleFrame(t *testing.T) {
	s := newStack(t)
	u := New(s.mem, nil, AMD64)

	// frame pointer going down the stack
	ctx, rets := s.chain(3, stackBase+0x10)
	ips, err := s.walk(t, u, ctx)
	require.NoError(t, err)
	require.Equal(t, append([]uint64{ctx.IP}, rets...), ips)

	for _, bp := range []uint64{0, stackBase + 0x1003, stackBase + 0x100 + AMD64.MaxStack} {
		ctx.BP = bp
		ips, err = s.walk(t, u, ctx)
		require.NoError(t, err)
		require.Equal(t, []uint64{ctx.IP}, ips, "bp %#x", bp)
	}
}

func TestVisitorStop(t *testing.T) {
	s := newStack(t)
	ctx, rets := s.chain(10, stackBase+stackSize)
	u := New(s.mem, nil, AMD64)
	var ips []uint64
	err := u.Get(s.proc, ctx, func(step Callstep) guest.Walk {
		ips = append(ips, step.Addr)
		if len(ips) == 3 {
			return guest.Stop
		}
		return guest.Next
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{ctx.IP, rets[0], rets[1]}, ips)

	// restartable
	again, err := s.walk(t, u, ctx)
	require.ErrorIs(t, err, memory.ErrUnmapped)
	require.Len(t, again, 11)
}

func TestStacktrace(t *testing.T) {
	s := newStack(t)
	ctx, rets := s.chain(4, stackBase+stackSize)
	sym := symbols.New(nil)
	require.NoError(t, sym.Insert("notepad", guest.Span{Addr: codeBase, Size: 0x10000}, []byte("0 T WinMain\n200 T ReadConfig\n")))
	u := New(s.mem, sym, AMD64)

	steps, err := u.Stacktrace(s.proc, ctx, 2)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, "notepad!WinMain+0x10", steps[0].Cursor.String())
	require.Equal(t, rets[0], steps[1].Addr)
	require.Equal(t, "notepad!WinMain+0x105", steps[1].Cursor.String())
	require.Equal(t, "notepad!ReadConfig+0x5", steps[2].Cursor.String())
	require.Equal(t, ctx.BP+16, steps[1].SP)

	steps, err = u.Stacktrace(s.proc, ctx, 100)
	require.ErrorIs(t, err, memory.ErrUnmapped)
	require.Len(t, steps, 5)
	require.Equal(t, rets[3], steps[4].Addr)

	_, err = u.Stacktrace(s.proc, ctx, -1)
	require.Error(t, err)
}

package hvtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/vmi/pkg/hv"
)

func TestTranslate(t *testing.T) {
	g := New()
	dtb := g.NewAddressSpace()
	pa := g.AllocPage()
	g.Map(dtb, 0x7ff000001000, pa)
	g.Map2M(dtb, 0xfffff80000200000, 0x40000000)
	g.Map1G(dtb, 0xffffc00000000000, 0x80000000)

	got, ok := g.Translate(dtb, 0x7ff000001234)
	require.True(t, ok)
	require.Equal(t, pa+0x234, got)

	got, ok = g.Translate(dtb, 0xfffff80000212345)
	require.True(t, ok)
	require.Equal(t, uint64(0x40012345), got)

	got, ok = g.Translate(dtb, 0xffffc00012345678)
	require.True(t, ok)
	require.Equal(t, uint64(0x92345678), got)

	_, ok = g.Translate(dtb, 0x7ff000002000)
	require.False(t, ok)
}

func TestScript(t *testing.T) {
	g := New()
	g.Script(State{PC: 0x10}, State{PC: 0x20}, State{PC: 0x30}, State{PC: 0x20})
	bp := hv.Breakpoint{Virt: 0x20}
	require.NoError(t, g.SetBreakpoint(bp))
	require.NoError(t, g.Resume())

	ev, err := g.Wait()
	require.NoError(t, err)
	require.Equal(t, hv.EventTrap, ev.Kind)
	require.Equal(t, uint64(0x20), ev.PC)

	require.NoError(t, g.Step())
	pc, _ := g.ReadRegister(hv.RIP)
	require.Equal(t, uint64(0x30), pc)

	require.NoError(t, g.Resume())
	ev, err = g.Wait()
	require.NoError(t, err)
	require.Equal(t, hv.EventTrap, ev.Kind)

	require.NoError(t, g.ClearBreakpoint(bp))
	require.NoError(t, g.Resume())
	ev, err = g.Wait()
	require.NoError(t, err)
	require.Equal(t, hv.EventHalt, ev.Kind)
}

func TestInterrupt(t *testing.T) {
	g := New()
	g.Script(State{PC: 0x10}, State{PC: 0x20})
	bp := hv.Breakpoint{Virt: 0x20}
	require.NoError(t, g.SetBreakpoint(bp))

	// requested while stopped, reported after the next resume
	require.NoError(t, g.Interrupt())
	require.NoError(t, g.Resume())
	ev, err := g.Wait()
	require.NoError(t, err)
	require.Equal(t, hv.EventInterrupt, ev.Kind)
	require.False(t, g.Running())

	require.NoError(t, g.Resume())
	ev, err = g.Wait()
	require.NoError(t, err)
	require.Equal(t, hv.EventTrap, ev.Kind)
	require.Equal(t, uint64(0x20), ev.PC)
}

package memory

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/hv/hvtest"
	"github.com/go-delve/vmi/pkg/metrics"
)

func newMemory(t *testing.T, g *hvtest.Guest, cacheSize int) *Memory {
	t.Helper()
	mem, err := New(g, cacheSize, nil)
	require.NoError(t, err)
	return mem
}

func TestRoundTrip(t *testing.T) {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	const base = 0x7ff612340000
	// non contiguous physical pages
	for i := uint64(0); i < 4; i++ {
		g.AllocPage()
		g.Map(dtb, base+i*PageSize, g.AllocPage())
	}
	mem := newMemory(t, g, 16)

	r := rand.New(rand.NewSource(1))
	for _, tc := range []struct{ off, size uint64 }{
		{0, 8},
		{0xff8, 16},
		{0x10, 3 * PageSize},
		{0, 4 * PageSize},
		{4*PageSize - 1, 1},
	} {
		buf := make([]byte, tc.size)
		r.Read(buf)
		require.NoError(t, mem.WriteVirtual(buf, dtb, base+tc.off))
		got := make([]byte, tc.size)
		require.NoError(t, mem.ReadVirtual(got, dtb, base+tc.off))
		require.Equal(t, buf, got)
		require.Equal(t, buf, g.Peek(dtb, base+tc.off, int(tc.size)))
	}
}

func TestLargePages(t *testing.T) {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	g.Map2M(dtb, 0xfffff80000000000, 0x40000000)
	g.Map1G(dtb, 0xffffd00000000000, 0x80000000)
	mem := newMemory(t, g, 0)

	pa, err := mem.Translate(dtb, 0xfffff800001fffff)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401fffff), pa)

	pa, err = mem.Translate(dtb, 0xffffd0000abcd123)
	require.NoError(t, err)
	require.Equal(t, uint64(0x8abcd123), pa)

	g.PokePhysical(0x40001000, []byte{1, 2, 3, 4})
	v, err := mem.ReadUint32(dtb, 0xfffff80000001000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x04030201), v)
}

func TestUnmapped(t *testing.T) {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	g.MapRange(dtb, 0x10000, PageSize)
	mem := newMemory(t, g, 16)

	buf := make([]byte, 16)
	err := mem.ReadVirtual(buf, dtb, 0x10ff8)
	require.True(t, errors.Is(err, ErrUnmapped))
	var uerr *UnmappedError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, uint64(0x11000), uerr.VA)
	require.Equal(t, dtb, uerr.DTB)
	require.False(t, errors.Is(err, hv.ErrTransportFailure))

	// nothing is written when part of the range is unmapped
	writes := g.PhysWrites
	require.ErrorIs(t, mem.WriteVirtual(buf, dtb, 0x10ff8), ErrUnmapped)
	require.Equal(t, writes, g.PhysWrites)

	_, err = mem.ReadUint64(dtb, 0x0000800000000000)
	require.ErrorIs(t, err, ErrUnmapped, "non canonical address")
}

func TestOutsideRAM(t *testing.T) {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	g.MapRange(dtb, 0x10000, PageSize)
	g.Map(dtb, 0x11000, g.RAMSize)
	mem := newMemory(t, g, 16)

	buf := make([]byte, 16)
	err := mem.ReadVirtual(buf, dtb, 0x10ff8)
	require.ErrorIs(t, err, ErrUnmapped)
	require.False(t, errors.Is(err, hv.ErrTransportFailure))
	var uerr *UnmappedError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, uint64(0x11000), uerr.VA)
}

func TestTransportFailure(t *testing.T) {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	g.MapRange(dtb, 0x10000, PageSize)
	mem := newMemory(t, g, 16)
	g.Fail = errors.New("connection reset")

	_, err := mem.ReadUint64(dtb, 0x10000)
	require.ErrorIs(t, err, hv.ErrTransportFailure)
	require.False(t, errors.Is(err, ErrUnmapped))
}

func TestTranslationCache(t *testing.T) {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	g.MapRange(dtb, 0x10000, PageSize)
	m := metrics.NewMemoryMetrics(nil)
	mem, err := New(g, 16, m)
	require.NoError(t, err)

	_, err = mem.ReadUint64(dtb, 0x10000)
	require.NoError(t, err)
	reads := g.PhysReads
	_, err = mem.ReadUint64(dtb, 0x10008)
	require.NoError(t, err)
	require.Equal(t, reads+1, g.PhysReads, "cached translation should not walk page tables")
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))

	// remapping is only observed after invalidation
	pa := g.AllocPage()
	g.PokePhysical(pa, bytes.Repeat([]byte{0xcc}, 8))
	g.Map(dtb, 0x10000, pa)
	mem.Invalidate()
	v, err := mem.ReadUint64(dtb, 0x10000)
	require.NoError(t, err)
	require.Equal(t, uint64(0xcccccccccccccccc), v)
	require.Equal(t, 1.0, testutil.ToFloat64(m.CachePurges))
}

func TestReader(t *testing.T) {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	g.MapRange(dtb, 0x400000, 2*PageSize)
	g.Poke(dtb, 0x400ffe, []byte("MZPE"))
	mem := newMemory(t, g, 16)

	buf := make([]byte, 4)
	n, err := mem.Reader(dtb).ReadAt(buf, 0x400ffe)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "MZPE", string(buf))

	_, err = mem.Reader(guest.DTB(0)).ReadAt(buf, 0x400ffe)
	require.ErrorIs(t, err, ErrUnmapped)
}

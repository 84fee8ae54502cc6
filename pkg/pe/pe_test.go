package pe_test

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/hv/hvtest"
	"github.com/go-delve/vmi/pkg/memory"
	vmipe "github.com/go-delve/vmi/pkg/pe"
	"github.com/go-delve/vmi/pkg/pe/petest"
)

// imageReader serves an image from a byte slice mapped at base.
type imageReader struct {
	base uint64
	data []byte
}

func (r *imageReader) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if addr < r.base || addr-r.base+uint64(len(p)) > uint64(len(r.data)) {
		return 0, memory.ErrUnmapped
	}
	return copy(p, r.data[addr-r.base:]), nil
}

var ntdllGUID = uuid.MustParse("1eb9fac1-4d32-4c26-9a5c-0d2f8b7c2a11")

func TestReadCodeView(t *testing.T) {
	img := &petest.Image{ImageBase: 0x7ffa00000000, SizeOfImage: 0x200000, GUID: ntdllGUID, Age: 1, PDBName: "ntdll.pdb"}
	r := &imageReader{base: 0x7ffa00000000, data: img.Build()}
	mod := guest.Span{Addr: 0x7ffa00000000, Size: 0x200000}

	h, err := vmipe.ReadHeader(r, mod)
	require.NoError(t, err)
	require.Equal(t, uint16(pe.IMAGE_FILE_MACHINE_AMD64), h.Machine)
	require.Equal(t, uint16(0x20b), h.Magic)
	require.Equal(t, uint32(0x200000), h.SizeOfImage)
	require.Len(t, h.Directories, 16)

	span, err := vmipe.FindCodeView(r, mod)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7ffa00001040), span.Addr)
	require.Equal(t, uint64(len(img.CodeView())), span.Size)

	cv, err := vmipe.ReadCodeView(r, mod)
	require.NoError(t, err)
	require.Equal(t, ntdllGUID, cv.GUID)
	require.Equal(t, uint32(1), cv.Age)
	require.Equal(t, "ntdll.pdb", cv.PDBName)
	require.Equal(t, "1EB9FAC14D324C269A5C0D2F8B7C2A111", cv.Key())
}

func TestCodeViewThroughGuestMemory(t *testing.T) {
	g := hvtest.New()
	dtb := g.NewAddressSpace()
	img := &petest.Image{ImageBase: 0xfffff80000000000, GUID: ntdllGUID, Age: 0x1f, PDBName: "ntkrnlmp.pdb"}
	raw := img.Build()
	g.MapRange(dtb, img.ImageBase, uint64(len(raw)))
	g.Poke(dtb, img.ImageBase, raw)
	mem, err := memory.New(g, 64, nil)
	require.NoError(t, err)

	cv, err := vmipe.ReadCodeView(mem.Reader(dtb), guest.Span{Addr: img.ImageBase, Size: uint64(len(raw))})
	require.NoError(t, err)
	require.Equal(t, "ntkrnlmp.pdb", cv.PDBName)
	require.Equal(t, "1EB9FAC14D324C269A5C0D2F8B7C2A111F", cv.Key())
}

func TestMalformed(t *testing.T) {
	mod := guest.Span{Addr: 0x10000, Size: 0x2000}
	good := (&petest.Image{GUID: ntdllGUID, Age: 1, PDBName: "a.pdb"}).Build()

	corrupt := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		f(b)
		return b
	}
	for name, data := range map[string][]byte{
		"dos magic":    corrupt(func(b []byte) { b[0] = 'X' }),
		"lfanew":       corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[0x3c:], 0xfffff000) }),
		"nt signature": corrupt(func(b []byte) { b[0x80] = 'X' }),
		"magic":        corrupt(func(b []byte) { binary.LittleEndian.PutUint16(b[0x98:], 0x30b) }),
		"no debug":     (&petest.Image{GUID: ntdllGUID, PDBName: "a.pdb", NoDebug: true}).Build(),
		"rsds":         corrupt(func(b []byte) { copy(b[0x1040:], "NB10") }),
		"truncated":    good[:0x800],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := vmipe.ReadCodeView(&imageReader{base: mod.Addr, data: data}, mod)
			require.ErrorIs(t, err, vmipe.ErrMalformed)
		})
	}
}

func TestSkipBadCodeViewEntry(t *testing.T) {
	mod := guest.Span{Addr: 0x10000, Size: 0x2000}
	img := &petest.Image{GUID: ntdllGUID, Age: 3, PDBName: "kernelbase.pdb"}
	data := img.Build()
	// Second debug entry is a copy of the first, then the first one loses
	// its size.
	copy(data[0x101c:], data[0x1000:0x101c])
	binary.LittleEndian.PutUint32(data[0x1010:], 0)
	binary.LittleEndian.PutUint32(data[0x13c:], 2*28)

	r := &imageReader{base: mod.Addr, data: data}
	span, err := vmipe.FindCodeView(r, mod)
	require.NoError(t, err)
	require.Equal(t, mod.Addr+0x1040, span.Addr)

	cv, err := vmipe.ReadCodeView(r, mod)
	require.NoError(t, err)
	require.Equal(t, "kernelbase.pdb", cv.PDBName)

	binary.LittleEndian.PutUint32(data[0x102c:], 0)
	_, err = vmipe.FindCodeView(r, mod)
	require.ErrorIs(t, err, vmipe.ErrMalformed)
}

type failingReader struct{}

func (failingReader) ReadAt(p []byte, off int64) (int, error) {
	return 0, hv.Failure("read physical", errors.New("connection reset"))
}

func TestTransportFailureIsNotMalformed(t *testing.T) {
	_, err := vmipe.ReadCodeView(failingReader{}, guest.Span{Addr: 0x1000, Size: 0x1000})
	require.ErrorIs(t, err, hv.ErrTransportFailure)
	require.False(t, errors.Is(err, vmipe.ErrMalformed))
}

func TestParseCodeView(t *testing.T) {
	raw := (&petest.Image{GUID: ntdllGUID, Age: 2, PDBName: `C:\build\kernel32.pdb`}).CodeView()
	cv, err := vmipe.ParseCodeView(raw)
	require.NoError(t, err)
	require.Equal(t, `C:\build\kernel32.pdb`, cv.PDBName)

	_, err = vmipe.ParseCodeView(bytes.TrimRight(raw, "\x00"))
	require.ErrorIs(t, err, vmipe.ErrMalformed)
	_, err = vmipe.ParseCodeView(raw[:10])
	require.ErrorIs(t, err, vmipe.ErrMalformed)
}

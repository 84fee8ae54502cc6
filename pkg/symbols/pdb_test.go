package symbols

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/vmi/pkg/guest"
)

const testBlockSize = 512

// buildMSF lays out streams in a multi-stream file with 512 bytes blocks.
func buildMSF(streams [][]byte) []byte {
	blocks := [][]byte{make([]byte, testBlockSize), make([]byte, testBlockSize), make([]byte, testBlockSize)}
	alloc := func(data []byte) []uint32 {
		var idx []uint32
		for off := 0; off < len(data); off += testBlockSize {
			b := make([]byte, testBlockSize)
			copy(b, data[off:])
			idx = append(idx, uint32(len(blocks)))
			blocks = append(blocks, b)
		}
		return idx
	}

	var dir bytes.Buffer
	binary.Write(&dir, binary.LittleEndian, uint32(len(streams)))
	for _, s := range streams {
		if s == nil {
			binary.Write(&dir, binary.LittleEndian, uint32(0xffffffff))
			continue
		}
		binary.Write(&dir, binary.LittleEndian, uint32(len(s)))
	}
	for _, s := range streams {
		binary.Write(&dir, binary.LittleEndian, alloc(s))
	}
	dirBlocks := alloc(dir.Bytes())
	blockMap := make([]byte, testBlockSize)
	for i, b := range dirBlocks {
		binary.LittleEndian.PutUint32(blockMap[i*4:], b)
	}
	blockMapAddr := uint32(len(blocks))
	blocks = append(blocks, blockMap)

	sb := blocks[0]
	copy(sb, msfMagic)
	for i, v := range []uint32{testBlockSize, 1, uint32(len(blocks)), uint32(dir.Len()), 0, blockMapAddr} {
		binary.LittleEndian.PutUint32(sb[len(msfMagic)+i*4:], v)
	}
	return bytes.Join(blocks, nil)
}

type testPublic struct {
	seg  uint16
	off  uint32
	name string
}

// buildPDB returns a program database with the given section virtual
// addresses and public symbols.
func buildPDB(sections []uint32, pubs []testPublic) []byte {
	const (
		secStream = 4
		symStream = 5
	)

	var dbi bytes.Buffer
	hdr := make([]byte, dbiHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], 0xffffffff)
	binary.LittleEndian.PutUint32(hdr[4:], 19990903)
	binary.LittleEndian.PutUint16(hdr[20:], symStream)
	binary.LittleEndian.PutUint32(hdr[36:], 8) // source info
	binary.LittleEndian.PutUint32(hdr[48:], 11*2)
	dbi.Write(hdr)
	dbi.Write(make([]byte, 8))
	for i := 0; i < 11; i++ {
		idx := uint16(noStream)
		if i == dbgSectionHeader {
			idx = secStream
		}
		binary.Write(&dbi, binary.LittleEndian, idx)
	}

	var secs bytes.Buffer
	for i, va := range sections {
		sh := make([]byte, sectionHeaderSize)
		copy(sh, []string{".text", ".rdata", ".data", "PAGE"}[i%4])
		binary.LittleEndian.PutUint32(sh[8:], 0x1000)
		binary.LittleEndian.PutUint32(sh[12:], va)
		secs.Write(sh)
	}

	var recs bytes.Buffer
	// an unrelated record first
	binary.Write(&recs, binary.LittleEndian, []uint16{6, 0x1125, 0, 0})
	for _, p := range pubs {
		var body bytes.Buffer
		binary.Write(&body, binary.LittleEndian, uint16(symPub32))
		binary.Write(&body, binary.LittleEndian, uint32(2))
		binary.Write(&body, binary.LittleEndian, p.off)
		binary.Write(&body, binary.LittleEndian, p.seg)
		body.WriteString(p.name)
		body.WriteByte(0)
		for (body.Len()+2)%4 != 0 {
			body.WriteByte(0xf1)
		}
		binary.Write(&recs, binary.LittleEndian, uint16(body.Len()))
		recs.Write(body.Bytes())
	}

	return buildMSF([][]byte{
		{},
		[]byte("info stream"),
		nil,
		dbi.Bytes(),
		secs.Bytes(),
		recs.Bytes(),
	})
}

func TestParsePDB(t *testing.T) {
	var pubs []testPublic
	for i := 0; i < 100; i++ {
		pubs = append(pubs, testPublic{seg: 1, off: uint32(i * 0x20), name: "NtFunction" + string(rune('A'+i%26)) + string(rune('a'+i/26))})
	}
	pubs = append(pubs,
		testPublic{seg: 2, off: 0x10, name: "KeServiceDescriptorTable"},
		testPublic{seg: 7, off: 0x10, name: "Orphan"},
	)
	raw := buildPDB([]uint32{0x1000, 0x5000}, pubs)

	syms, err := ParsePDB(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, syms, 101)
	require.Equal(t, Symbol{Offset: 0x1000, Name: "NtFunctionAa"}, syms[0])
	require.Equal(t, Symbol{Offset: 0x5010, Name: "KeServiceDescriptorTable"}, syms[100])

	e := New(nil)
	require.NoError(t, e.Insert("nt", guest.Span{Addr: 0xfffff80000000000, Size: 0x10000}, raw))
	addr, ok := e.Symbol("nt", "KeServiceDescriptorTable")
	require.True(t, ok)
	require.Equal(t, uint64(0xfffff80000005010), addr)
	c, ok := e.Find(0xfffff80000001025)
	require.True(t, ok)
	require.Equal(t, Cursor{Module: "nt", Symbol: "NtFunctionBa", Offset: 5}, c)
}

func TestParsePDBCorrupt(t *testing.T) {
	good := buildPDB([]uint32{0x1000}, []testPublic{{1, 0, "A"}})

	for name, mutate := range map[string]func(b []byte){
		"magic":      func(b []byte) { b[0] = 'm' },
		"block size": func(b []byte) { binary.LittleEndian.PutUint32(b[32:], 100) },
		"block map":  func(b []byte) { binary.LittleEndian.PutUint32(b[52:], 0xffff) },
		"dir size":   func(b []byte) { binary.LittleEndian.PutUint32(b[44:], 0xffffff) },
	} {
		t.Run(name, func(t *testing.T) {
			b := append([]byte(nil), good...)
			mutate(b)
			_, err := ParsePDB(bytes.NewReader(b))
			require.True(t, errors.Is(err, ErrBadPDB), "%v", err)
		})
	}

	_, err := ParsePDB(bytes.NewReader(good[:40]))
	require.True(t, errors.Is(err, ErrBadPDB))
}

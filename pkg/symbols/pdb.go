package symbols

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const msfMagic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

const (
	msfSuperBlockSize = 56

	pdbStreamDBI = 3

	dbiHeaderSize    = 64
	dbgSectionHeader = 5
	noStream         = 0xffff

	sectionHeaderSize = 40

	symPub32 = 0x110e
)

// ErrBadPDB is matched by every error caused by a corrupted program
// database.
var ErrBadPDB = errors.New("malformed program database")

// msfBuf is a little endian decoder with a sticky error.
type msfBuf struct {
	buf  []byte
	off  int
	what string
	err  error
}

func (buf *msfBuf) need(n int) bool {
	if buf.err != nil {
		return false
	}
	if n < 0 || buf.off+n > len(buf.buf) {
		buf.err = fmt.Errorf("%w: %s truncated at offset %#x", ErrBadPDB, buf.what, buf.off)
		return false
	}
	return true
}

func (buf *msfBuf) u16() uint16 {
	const stride = 2
	if !buf.need(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint16(buf.buf[buf.off:])
	buf.off += stride
	return r
}

func (buf *msfBuf) u32() uint32 {
	const stride = 4
	if !buf.need(stride) {
		return 0
	}
	r := binary.LittleEndian.Uint32(buf.buf[buf.off:])
	buf.off += stride
	return r
}

func (buf *msfBuf) cstring() string {
	if buf.err != nil {
		return ""
	}
	for i := buf.off; i < len(buf.buf); i++ {
		if buf.buf[i] == 0 {
			s := string(buf.buf[buf.off:i])
			buf.off = i + 1
			return s
		}
	}
	buf.err = fmt.Errorf("%w: %s: unterminated string at offset %#x", ErrBadPDB, buf.what, buf.off)
	return ""
}

// msfFile is a multi-stream file, the container format of program
// databases.
type msfFile struct {
	r         io.ReaderAt
	blockSize uint32
	numBlocks uint32
	sizes     []uint32
	blocks    [][]uint32
}

func openMSF(r io.ReaderAt) (*msfFile, error) {
	sb := make([]byte, msfSuperBlockSize)
	if _, err := r.ReadAt(sb, 0); err != nil {
		return nil, fmt.Errorf("%w: reading super block: %v", ErrBadPDB, err)
	}
	if string(sb[:len(msfMagic)]) != msfMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadPDB)
	}
	hdr := &msfBuf{buf: sb[len(msfMagic):], what: "super block"}
	f := &msfFile{r: r, blockSize: hdr.u32()}
	_ = hdr.u32() // free block map
	f.numBlocks = hdr.u32()
	numDirBytes := hdr.u32()
	_ = hdr.u32()
	blockMapAddr := hdr.u32()
	if hdr.err != nil {
		return nil, hdr.err
	}
	switch f.blockSize {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("%w: bad block size %#x", ErrBadPDB, f.blockSize)
	}
	if blockMapAddr >= f.numBlocks || numDirBytes == 0 || uint64(numDirBytes) > uint64(f.numBlocks)*uint64(f.blockSize) {
		return nil, fmt.Errorf("%w: bad stream directory", ErrBadPDB)
	}

	numDirBlocks := f.count(numDirBytes)
	if numDirBlocks*4 > f.blockSize {
		return nil, fmt.Errorf("%w: stream directory too large", ErrBadPDB)
	}
	blockMap, err := f.readBlocks([]uint32{blockMapAddr}, numDirBlocks*4)
	if err != nil {
		return nil, err
	}
	mb := &msfBuf{buf: blockMap, what: "block map"}
	dirBlocks := make([]uint32, numDirBlocks)
	for i := range dirBlocks {
		dirBlocks[i] = mb.u32()
	}
	dirData, err := f.readBlocks(dirBlocks, numDirBytes)
	if err != nil {
		return nil, err
	}

	dir := &msfBuf{buf: dirData, what: "stream directory"}
	numStreams := dir.u32()
	if !dir.need(int(numStreams) * 4) {
		return nil, dir.err
	}
	f.sizes = make([]uint32, numStreams)
	for i := range f.sizes {
		f.sizes[i] = dir.u32()
	}
	f.blocks = make([][]uint32, numStreams)
	for i, size := range f.sizes {
		if size == 0xffffffff {
			continue
		}
		n := f.count(size)
		if !dir.need(int(n) * 4) {
			return nil, dir.err
		}
		f.blocks[i] = make([]uint32, n)
		for j := range f.blocks[i] {
			f.blocks[i][j] = dir.u32()
		}
	}
	return f, dir.err
}

func (f *msfFile) count(size uint32) uint32 {
	return uint32((uint64(size) + uint64(f.blockSize) - 1) / uint64(f.blockSize))
}

func (f *msfFile) readBlocks(blocks []uint32, size uint32) ([]byte, error) {
	if uint64(len(blocks))*uint64(f.blockSize) < uint64(size) {
		return nil, fmt.Errorf("%w: stream shorter than its size", ErrBadPDB)
	}
	out := make([]byte, 0, size)
	for _, b := range blocks {
		if b >= f.numBlocks {
			return nil, fmt.Errorf("%w: block %d out of range", ErrBadPDB, b)
		}
		n := f.blockSize
		if rem := size - uint32(len(out)); rem < n {
			n = rem
		}
		chunk := make([]byte, n)
		if _, err := f.r.ReadAt(chunk, int64(b)*int64(f.blockSize)); err != nil {
			return nil, fmt.Errorf("%w: reading block %d: %v", ErrBadPDB, b, err)
		}
		out = append(out, chunk...)
		if uint32(len(out)) == size {
			break
		}
	}
	return out, nil
}

// stream returns the content of stream idx, nil for a missing stream.
func (f *msfFile) stream(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(f.sizes) {
		return nil, fmt.Errorf("%w: no stream %d", ErrBadPDB, idx)
	}
	if f.sizes[idx] == 0xffffffff || f.sizes[idx] == 0 {
		return nil, nil
	}
	return f.readBlocks(f.blocks[idx], f.sizes[idx])
}

// ParsePDB returns the public symbols of a program database, with offsets
// relative to the image base.
//
// Offsets are computed from the section headers saved in the database,
// the OMAP tables of rearranged images are not applied.
func ParsePDB(r io.ReaderAt) ([]Symbol, error) {
	f, err := openMSF(r)
	if err != nil {
		return nil, err
	}
	dbi, err := f.stream(pdbStreamDBI)
	if err != nil {
		return nil, err
	}
	hdr := &msfBuf{buf: dbi, what: "dbi stream"}
	if !hdr.need(dbiHeaderSize) {
		return nil, hdr.err
	}
	if sig := hdr.u32(); sig != 0xffffffff {
		return nil, fmt.Errorf("%w: unsupported dbi signature %#x", ErrBadPDB, sig)
	}
	hdr.off = 20
	symRecords := hdr.u16()
	hdr.off = 24
	var substreams uint64
	var optDbgSize uint32
	for i := 0; i < 8; i++ {
		v := hdr.u32()
		switch i {
		case 5:
			// MFC type server index, not a size
		case 6:
			optDbgSize = v
		default:
			substreams += uint64(v)
		}
	}

	var sections []uint32
	dbgOff := uint64(dbiHeaderSize) + substreams
	if optDbgSize > 0 && dbgOff+uint64(optDbgSize) <= uint64(len(dbi)) {
		dbg := &msfBuf{buf: dbi[dbgOff : dbgOff+uint64(optDbgSize)], what: "optional debug header"}
		dbg.off = dbgSectionHeader * 2
		if idx := dbg.u16(); dbg.err == nil && idx != noStream {
			sections, err = f.sectionAddrs(int(idx))
			if err != nil {
				return nil, err
			}
		}
	}

	recs, err := f.stream(int(symRecords))
	if err != nil {
		return nil, err
	}
	return parsePublics(recs, sections)
}

func (f *msfFile) sectionAddrs(idx int) ([]uint32, error) {
	data, err := f.stream(idx)
	if err != nil {
		return nil, err
	}
	addrs := make([]uint32, 0, len(data)/sectionHeaderSize)
	for off := 0; off+sectionHeaderSize <= len(data); off += sectionHeaderSize {
		addrs = append(addrs, binary.LittleEndian.Uint32(data[off+12:]))
	}
	return addrs, nil
}

func parsePublics(recs []byte, sections []uint32) ([]Symbol, error) {
	var syms []Symbol
	buf := &msfBuf{buf: recs, what: "symbol records"}
	for buf.err == nil && buf.off+4 <= len(recs) {
		reclen := int(buf.u16())
		start := buf.off
		if reclen < 2 || !buf.need(reclen) {
			break
		}
		kind := buf.u16()
		if kind == symPub32 {
			_ = buf.u32() // flags
			off := buf.u32()
			seg := buf.u16()
			name := buf.cstring()
			if buf.err == nil && seg >= 1 && int(seg) <= len(sections) {
				syms = append(syms, Symbol{Offset: uint64(sections[seg-1]) + uint64(off), Name: name})
			}
		}
		buf.off = start + reclen
	}
	if buf.err != nil {
		return nil, buf.err
	}
	return syms, nil
}

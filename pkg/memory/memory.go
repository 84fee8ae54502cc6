// Package memory implements guest virtual memory access on top of the
// physical memory exposed by a hypervisor transport, translating every page
// through the x86-64 4-level page tables of an address space.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/metrics"
)

const (
	PageSize  = 0x1000
	pageShift = 12

	entryPresent = 1 << 0
	entryPS      = 1 << 7
	entryAddr    = 0x000ffffffffff000

	maxVirtualBits = 48
)

// ErrUnmapped is matched by every error reporting a guest virtual address
// without a valid translation. It is recoverable: callers probing guest
// determined sizes or walking guest lists are expected to skip the element.
var ErrUnmapped = errors.New("address not mapped")

// UnmappedError reports the first address of an access that could not be
// translated.
type UnmappedError struct {
	DTB guest.DTB
	VA  uint64
}

func (err *UnmappedError) Error() string {
	return fmt.Sprintf("address %#x not mapped in %v", err.VA, err.DTB)
}

func (err *UnmappedError) Is(target error) bool {
	return target == ErrUnmapped
}

type cacheKey struct {
	dtb  guest.DTB
	page uint64
}

// Memory reads and writes guest virtual memory.
//
// Translations are cached until Invalidate is called, the execution
// control state machine does it every time the guest is resumed.
type Memory struct {
	t       hv.Transport
	cache   *lru.Cache
	metrics *metrics.MemoryMetrics
	log     *logrus.Entry
}

// New returns a memory accessor for t caching up to cacheSize translations.
// A cacheSize of zero disables caching. m may be nil.
func New(t hv.Transport, cacheSize int, m *metrics.MemoryMetrics) (*Memory, error) {
	if m == nil {
		m = metrics.NewMemoryMetrics(nil)
	}
	mem := &Memory{t: t, metrics: m, log: logflags.MemoryLogger()}
	if cacheSize > 0 {
		c, err := lru.New(cacheSize)
		if err != nil {
			return nil, err
		}
		mem.cache = c
	}
	return mem, nil
}

// Transport returns the transport used to access physical memory.
func (mem *Memory) Transport() hv.Transport {
	return mem.t
}

// Invalidate drops every cached translation.
func (mem *Memory) Invalidate() {
	if mem.cache != nil && mem.cache.Len() > 0 {
		mem.cache.Purge()
		mem.metrics.CachePurges.Inc()
	}
}

func canonical(va uint64) bool {
	top := va >> (maxVirtualBits - 1)
	return top == 0 || top == 1<<(64-maxVirtualBits+1)-1
}

// Translate returns the physical address va maps to in dtb.
func (mem *Memory) Translate(dtb guest.DTB, va uint64) (uint64, error) {
	key := cacheKey{dtb, va >> pageShift}
	if mem.cache != nil {
		if v, ok := mem.cache.Get(key); ok {
			mem.metrics.CacheHits.Inc()
			return v.(uint64) | va&(PageSize-1), nil
		}
	}
	mem.metrics.CacheMisses.Inc()
	pa, err := mem.walk(dtb, va)
	if err != nil {
		if errors.Is(err, ErrUnmapped) {
			mem.metrics.Unmapped.Inc()
		}
		return 0, err
	}
	if mem.cache != nil {
		mem.cache.Add(key, pa&^(PageSize-1))
	}
	return pa, nil
}

func (mem *Memory) walk(dtb guest.DTB, va uint64) (uint64, error) {
	if !canonical(va) {
		return 0, &UnmappedError{DTB: dtb, VA: va}
	}
	table := uint64(dtb) & entryAddr
	var buf [8]byte
	for level := 3; level >= 0; level-- {
		shift := uint(pageShift + 9*level)
		idx := (va >> shift) & 0x1ff
		err := mem.t.ReadPhysical(buf[:], table+idx*8)
		if err != nil {
			if errors.Is(err, hv.ErrNoMemory) {
				return 0, &UnmappedError{DTB: dtb, VA: va}
			}
			return 0, hv.Failure("read page table", err)
		}
		e := binary.LittleEndian.Uint64(buf[:])
		if e&entryPresent == 0 {
			return 0, &UnmappedError{DTB: dtb, VA: va}
		}
		if level == 0 || (level <= 2 && e&entryPS != 0) {
			size := uint64(1) << shift
			return e&entryAddr&^(size-1) | va&(size-1), nil
		}
		table = e & entryAddr
	}
	panic("unreachable")
}

// ReadVirtual fills buf with the memory at va in the address space dtb.
// Either the whole range is read or an error is returned, in which case the
// content of buf is unspecified.
func (mem *Memory) ReadVirtual(buf []byte, dtb guest.DTB, va uint64) error {
	err := mem.access(buf, dtb, va, false)
	if err == nil {
		mem.metrics.BytesRead.Add(float64(len(buf)))
	}
	return err
}

// WriteVirtual writes buf at va in the address space dtb. Every page of the
// range is translated before anything is written.
func (mem *Memory) WriteVirtual(buf []byte, dtb guest.DTB, va uint64) error {
	err := mem.access(buf, dtb, va, true)
	if err == nil {
		mem.metrics.BytesWritten.Add(float64(len(buf)))
	}
	return err
}

type chunk struct {
	va  uint64
	pa  uint64
	buf []byte
}

func (mem *Memory) access(buf []byte, dtb guest.DTB, va uint64, write bool) error {
	if va+uint64(len(buf)) < va {
		return &UnmappedError{DTB: dtb, VA: va}
	}
	chunks := make([]chunk, 0, len(buf)/PageSize+2)
	for off := 0; off < len(buf); {
		cur := va + uint64(off)
		n := PageSize - int(cur&(PageSize-1))
		if n > len(buf)-off {
			n = len(buf) - off
		}
		pa, err := mem.Translate(dtb, cur)
		if err != nil {
			if logflags.Memory() {
				mem.log.Debugf("translate %#x in %v: %v", cur, dtb, err)
			}
			return err
		}
		chunks = append(chunks, chunk{cur, pa, buf[off : off+n]})
		off += n
	}
	for _, c := range chunks {
		var err error
		if write {
			err = mem.t.WritePhysical(c.buf, c.pa)
		} else {
			err = mem.t.ReadPhysical(c.buf, c.pa)
		}
		if err != nil {
			if errors.Is(err, hv.ErrNoMemory) {
				return &UnmappedError{DTB: dtb, VA: c.va}
			}
			if write {
				return hv.Failure("write physical", err)
			}
			return hv.Failure("read physical", err)
		}
	}
	return nil
}

// ReadUint16 reads a little endian uint16 at va.
func (mem *Memory) ReadUint16(dtb guest.DTB, va uint64) (uint16, error) {
	var buf [2]byte
	if err := mem.ReadVirtual(buf[:], dtb, va); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads a little endian uint32 at va.
func (mem *Memory) ReadUint32(dtb guest.DTB, va uint64) (uint32, error) {
	var buf [4]byte
	if err := mem.ReadVirtual(buf[:], dtb, va); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little endian uint64 at va.
func (mem *Memory) ReadUint64(dtb guest.DTB, va uint64) (uint64, error) {
	var buf [8]byte
	if err := mem.ReadVirtual(buf[:], dtb, va); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadPointer reads a guest pointer at va.
func (mem *Memory) ReadPointer(dtb guest.DTB, va uint64) (uint64, error) {
	return mem.ReadUint64(dtb, va)
}

// Reader returns an io.ReaderAt reading the address space dtb.
func (mem *Memory) Reader(dtb guest.DTB) io.ReaderAt {
	return &virtualReader{mem: mem, dtb: dtb}
}

type virtualReader struct {
	mem *Memory
	dtb guest.DTB
}

func (r *virtualReader) ReadAt(p []byte, off int64) (int, error) {
	if err := r.mem.ReadVirtual(p, r.dtb, uint64(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

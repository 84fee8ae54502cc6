// Package hvtest implements hv.Transport on top of a simulated guest: a
// sparse physical memory, x86-64 page tables built on demand and a scripted
// sequence of execution states that stands in for a running vCPU.
package hvtest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
)

const (
	PageSize = 0x1000

	pteMask    = 0x000ffffffffff000
	pagePS     = 1 << 7
	pagePresRW = 0x3

	// DefaultRAMSize is the size of the simulated physical memory.
	DefaultRAMSize = 1 << 32

	firstFreePage = 0x100000
)

// State is one point of the simulated execution. Regs are applied on top of
// the registers of the previous state, PC becomes RIP.
type State struct {
	PC   uint64
	Regs map[hv.Register]uint64
	// Do runs when the guest reaches this state, before breakpoints are
	// checked, it can mutate guest memory.
	Do func(g *Guest)
}

// Guest is a simulated virtual machine. It is not safe for concurrent use.
type Guest struct {
	RAMSize uint64

	pages map[uint64][]byte
	next  uint64

	regs  map[hv.Register]uint64
	armed map[hv.Breakpoint]int

	script  []State
	pos     int
	running   bool
	halted    bool
	stepped   bool
	interrupt bool

	// Fail, when set, is returned by every transport operation.
	Fail error

	// Counters of transport calls, for tests that check caching and
	// stepping behavior.
	PhysReads  int
	PhysWrites int
	Steps      int
	Sets       int
	Clears     int
}

var _ hv.Transport = (*Guest)(nil)

// New returns an empty guest with DefaultRAMSize bytes of memory.
func New() *Guest {
	return &Guest{
		RAMSize: DefaultRAMSize,
		pages:   make(map[uint64][]byte),
		next:    firstFreePage,
		regs:    make(map[hv.Register]uint64),
		armed:   make(map[hv.Breakpoint]int),
		pos:     -1,
	}
}

// AllocPage returns the physical address of a zeroed page never returned
// before.
func (g *Guest) AllocPage() uint64 {
	pa := g.next
	g.next += PageSize
	g.page(pa)
	return pa
}

// AllocPages returns the physical address of n contiguous zeroed pages.
func (g *Guest) AllocPages(n int) uint64 {
	pa := g.next
	for i := 0; i < n; i++ {
		g.AllocPage()
	}
	return pa
}

func (g *Guest) page(pa uint64) []byte {
	pfn := pa &^ (PageSize - 1)
	p, ok := g.pages[pfn]
	if !ok {
		p = make([]byte, PageSize)
		g.pages[pfn] = p
	}
	return p
}

func (g *Guest) copyPhys(buf []byte, pa uint64, write bool) error {
	if pa+uint64(len(buf)) > g.RAMSize || pa+uint64(len(buf)) < pa {
		return hv.ErrNoMemory
	}
	for len(buf) > 0 {
		p := g.page(pa)
		off := pa & (PageSize - 1)
		var n int
		if write {
			n = copy(p[off:], buf)
		} else {
			n = copy(buf, p[off:])
		}
		buf = buf[n:]
		pa += uint64(n)
	}
	return nil
}

// PokePhysical writes buf at pa without counting it as a transport access.
func (g *Guest) PokePhysical(pa uint64, buf []byte) {
	if err := g.copyPhys(buf, pa, true); err != nil {
		panic(err)
	}
}

// PeekPhysical reads n bytes at pa without counting it as a transport
// access.
func (g *Guest) PeekPhysical(pa uint64, n int) []byte {
	buf := make([]byte, n)
	if err := g.copyPhys(buf, pa, false); err != nil {
		panic(err)
	}
	return buf
}

func (g *Guest) entry(table uint64, idx uint64) uint64 {
	return binary.LittleEndian.Uint64(g.PeekPhysical(table+idx*8, 8))
}

func (g *Guest) setEntry(table uint64, idx uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	g.PokePhysical(table+idx*8, b[:])
}

// NewAddressSpace allocates an empty top level page table.
func (g *Guest) NewAddressSpace() guest.DTB {
	return guest.DTB(g.AllocPage())
}

func (g *Guest) table(table uint64, idx uint64) uint64 {
	e := g.entry(table, idx)
	if e&1 == 0 {
		next := g.AllocPage()
		g.setEntry(table, idx, next|pagePresRW)
		return next
	}
	if e&pagePS != 0 {
		panic(fmt.Sprintf("hvtest: entry %#x of table %#x maps a large page", idx, table))
	}
	return e & pteMask
}

func index(va uint64, level uint) uint64 {
	return (va >> (12 + 9*level)) & 0x1ff
}

// Map maps the 4KiB page containing va to the physical page pa.
func (g *Guest) Map(dtb guest.DTB, va, pa uint64) {
	pdpt := g.table(uint64(dtb)&pteMask, index(va, 3))
	pd := g.table(pdpt, index(va, 2))
	pt := g.table(pd, index(va, 1))
	g.setEntry(pt, index(va, 0), pa&pteMask|pagePresRW)
}

// Map2M maps the 2MiB page containing va to the physical page pa.
func (g *Guest) Map2M(dtb guest.DTB, va, pa uint64) {
	pdpt := g.table(uint64(dtb)&pteMask, index(va, 3))
	pd := g.table(pdpt, index(va, 2))
	g.setEntry(pd, index(va, 1), pa&^(1<<21-1)|pagePS|pagePresRW)
}

// Map1G maps the 1GiB page containing va to the physical page pa.
func (g *Guest) Map1G(dtb guest.DTB, va, pa uint64) {
	pdpt := g.table(uint64(dtb)&pteMask, index(va, 3))
	g.setEntry(pdpt, index(va, 2), pa&^(1<<30-1)|pagePS|pagePresRW)
}

// Unmap clears the present bit of the 4KiB page containing va.
func (g *Guest) Unmap(dtb guest.DTB, va uint64) {
	pdpt := g.table(uint64(dtb)&pteMask, index(va, 3))
	pd := g.table(pdpt, index(va, 2))
	pt := g.table(pd, index(va, 1))
	g.setEntry(pt, index(va, 0), 0)
}

// MapRange backs [va, va+size) with freshly allocated pages.
func (g *Guest) MapRange(dtb guest.DTB, va, size uint64) {
	for p := va &^ (PageSize - 1); p < va+size; p += PageSize {
		g.Map(dtb, p, g.AllocPage())
	}
}

// Share maps [va, va+size) of dst to the same physical pages as in src.
func (g *Guest) Share(dst, src guest.DTB, va, size uint64) {
	for p := va &^ (PageSize - 1); p < va+size; p += PageSize {
		pa, ok := g.Translate(src, p)
		if !ok {
			panic(fmt.Sprintf("hvtest: %#x not mapped in %v", p, src))
		}
		g.Map(dst, p, pa)
	}
}

// ShareKernel copies the top level entries of the upper half of src into
// dst, so that dst maps the kernel like src does, including pages mapped
// later under the same entries.
func (g *Guest) ShareKernel(dst, src guest.DTB) {
	for idx := uint64(256); idx < 512; idx++ {
		if e := g.entry(uint64(src)&pteMask, idx); e&1 != 0 {
			g.setEntry(uint64(dst)&pteMask, idx, e)
		}
	}
}

// Translate walks the page tables of dtb, it is independent of the memory
// package so that tests can check one against the other.
func (g *Guest) Translate(dtb guest.DTB, va uint64) (uint64, bool) {
	table := uint64(dtb) & pteMask
	for level := uint(3); ; level-- {
		e := g.entry(table, index(va, level))
		if e&1 == 0 {
			return 0, false
		}
		if level == 0 || (level <= 2 && e&pagePS != 0) {
			size := uint64(1) << (12 + 9*level)
			return e&pteMask&^(size-1) | va&(size-1), true
		}
		table = e & pteMask
	}
}

// Poke writes buf at va in dtb, every page must be mapped.
func (g *Guest) Poke(dtb guest.DTB, va uint64, buf []byte) {
	for len(buf) > 0 {
		pa, ok := g.Translate(dtb, va)
		if !ok {
			panic(fmt.Sprintf("hvtest: %#x not mapped in %v", va, dtb))
		}
		n := PageSize - int(va&(PageSize-1))
		if n > len(buf) {
			n = len(buf)
		}
		g.PokePhysical(pa, buf[:n])
		buf = buf[n:]
		va += uint64(n)
	}
}

// Peek reads n bytes at va in dtb, every page must be mapped.
func (g *Guest) Peek(dtb guest.DTB, va uint64, n int) []byte {
	out := make([]byte, 0, n)
	for len(out) < n {
		pa, ok := g.Translate(dtb, va)
		if !ok {
			panic(fmt.Sprintf("hvtest: %#x not mapped in %v", va, dtb))
		}
		m := PageSize - int(va&(PageSize-1))
		if m > n-len(out) {
			m = n - len(out)
		}
		out = append(out, g.PeekPhysical(pa, m)...)
		va += uint64(m)
	}
	return out
}

// Poke64 writes a little endian uint64 at va in dtb.
func (g *Guest) Poke64(dtb guest.DTB, va, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	g.Poke(dtb, va, b[:])
}

// SetRegister sets the value of a register of the current vCPU.
func (g *Guest) SetRegister(reg hv.Register, v uint64) {
	g.regs[reg] = v
}

// Script replaces the remaining execution of the guest.
func (g *Guest) Script(states ...State) {
	g.script = states
	g.pos = -1
	g.halted = false
	g.stepped = false
}

// Armed returns the number of times bp is currently set.
func (g *Guest) Armed(bp hv.Breakpoint) int {
	return g.armed[bp]
}

// ArmedCount returns the number of distinct breakpoints currently set.
func (g *Guest) ArmedCount() int {
	return len(g.armed)
}

// Running reports whether the guest was resumed and has not stopped yet.
func (g *Guest) Running() bool {
	return g.running
}

func (g *Guest) enter(i int) {
	g.pos = i
	s := g.script[i]
	for reg, v := range s.Regs {
		g.regs[reg] = v
	}
	g.regs[hv.RIP] = s.PC
	if s.Do != nil {
		s.Do(g)
	}
}

func (g *Guest) trapped(pc uint64) bool {
	for bp := range g.armed {
		if bp.Virt == pc {
			return true
		}
	}
	return false
}

func (g *Guest) ReadPhysical(buf []byte, pa uint64) error {
	if g.Fail != nil {
		return g.Fail
	}
	g.PhysReads++
	return g.copyPhys(buf, pa, false)
}

func (g *Guest) WritePhysical(buf []byte, pa uint64) error {
	if g.Fail != nil {
		return g.Fail
	}
	g.PhysWrites++
	return g.copyPhys(buf, pa, true)
}

func (g *Guest) ReadRegister(reg hv.Register) (uint64, error) {
	if g.Fail != nil {
		return 0, g.Fail
	}
	return g.regs[reg], nil
}

func (g *Guest) WriteRegister(reg hv.Register, val uint64) error {
	if g.Fail != nil {
		return g.Fail
	}
	g.regs[reg] = val
	return nil
}

func (g *Guest) SetBreakpoint(bp hv.Breakpoint) error {
	if g.Fail != nil {
		return g.Fail
	}
	g.Sets++
	g.armed[bp]++
	return nil
}

func (g *Guest) ClearBreakpoint(bp hv.Breakpoint) error {
	if g.Fail != nil {
		return g.Fail
	}
	if g.armed[bp] == 0 {
		return fmt.Errorf("breakpoint at %#x not set", bp.Virt)
	}
	g.Clears++
	g.armed[bp]--
	if g.armed[bp] == 0 {
		delete(g.armed, bp)
	}
	return nil
}

func (g *Guest) Pause() error {
	if g.Fail != nil {
		return g.Fail
	}
	g.running = false
	return nil
}

// Interrupt makes the Wait following the next Resume, or the pending one,
// report an interrupt at the current pc.
func (g *Guest) Interrupt() error {
	if g.Fail != nil {
		return g.Fail
	}
	g.interrupt = true
	return nil
}

func (g *Guest) Resume() error {
	if g.Fail != nil {
		return g.Fail
	}
	g.running = true
	return nil
}

// Step moves the guest to the next scripted state regardless of
// breakpoints. Stepping past the end of the script halts the guest.
func (g *Guest) Step() error {
	if g.Fail != nil {
		return g.Fail
	}
	g.Steps++
	if g.pos+1 >= len(g.script) {
		g.pos = len(g.script)
		g.halted = true
		return nil
	}
	g.enter(g.pos + 1)
	g.stepped = true
	return nil
}

// Wait moves the guest forward until it reaches a state whose PC has a
// breakpoint set. When the script is exhausted the guest halts.
func (g *Guest) Wait() (hv.Event, error) {
	if g.Fail != nil {
		return hv.Event{}, g.Fail
	}
	if !g.running {
		return hv.Event{}, errors.New("guest not running")
	}
	if g.halted {
		g.running = false
		return hv.Event{Kind: hv.EventHalt}, nil
	}
	if g.interrupt {
		g.interrupt = false
		g.running = false
		return hv.Event{Kind: hv.EventInterrupt, PC: g.regs[hv.RIP]}, nil
	}
	if g.stepped {
		g.stepped = false
		if g.pos >= 0 && g.trapped(g.regs[hv.RIP]) {
			g.running = false
			return hv.Event{Kind: hv.EventTrap, PC: g.regs[hv.RIP]}, nil
		}
	}
	for i := g.pos + 1; i < len(g.script); i++ {
		g.enter(i)
		if g.trapped(g.regs[hv.RIP]) {
			g.running = false
			return hv.Event{Kind: hv.EventTrap, PC: g.regs[hv.RIP]}, nil
		}
	}
	g.pos = len(g.script)
	g.running = false
	g.halted = true
	return hv.Event{Kind: hv.EventHalt}, nil
}

func (g *Guest) Close() error {
	return nil
}

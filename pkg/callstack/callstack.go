// Package callstack unwinds the stack of a guest thread by following the
// chain of saved frame pointers.
//
// Without unwind metadata the walk is a heuristic: code compiled without
// frame pointers desynchronizes it, and the end of the stack cannot be told
// apart from a corrupted frame. Walks always terminate, either on a read
// error, on an implausible frame pointer or when the visitor stops.
package callstack

import (
	"errors"
	"fmt"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/memory"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/symbols"
)

// Layout describes the frames of the guest ABI.
type Layout struct {
	// SavedBP and ReturnAddr are the offsets, from the frame pointer, of
	// the caller frame pointer and of the return address.
	SavedBP    uint64
	ReturnAddr uint64
	PtrSize    int
	// MaxStack is the maximum distance between the initial stack pointer
	// and a frame pointer.
	MaxStack uint64
}

// AMD64 is the frame layout of x86-64 code compiled with frame pointers.
var AMD64 = Layout{SavedBP: 0, ReturnAddr: 8, PtrSize: 8, MaxStack: 0x100000}

// Context is the register state the walk starts from.
type Context struct {
	IP, SP, BP uint64
}

// Callstep is one step of a call stack. The first step is the initial
// instruction pointer, the following ones are return addresses.
type Callstep struct {
	Addr uint64
	// SP and BP are the stack and frame pointers of the frame Addr belongs
	// to, as far as the walk could reconstruct them.
	SP, BP uint64
	// Cursor is the symbol containing Addr, nil when unknown.
	Cursor *symbols.Cursor
}

func (s Callstep) String() string {
	if s.Cursor != nil {
		return fmt.Sprintf("%#x %v", s.Addr, s.Cursor)
	}
	return fmt.Sprintf("%#x", s.Addr)
}

// Visitor is invoked once per step by Get.
type Visitor func(Callstep) guest.Walk

// Unwinder walks the stacks of guest threads.
type Unwinder struct {
	mem    *memory.Memory
	sym    *symbols.Engine
	layout Layout
}

// New returns an unwinder reading memory through mem. sym is optional,
// when set every step is resolved to a symbol.
func New(mem *memory.Memory, sym *symbols.Engine, layout Layout) *Unwinder {
	return &Unwinder{mem: mem, sym: sym, layout: layout}
}

// Iterator returns an iterator over the call stack of the thread of proc
// whose registers are ctx.
func (u *Unwinder) Iterator(proc osi.Process, ctx Context) *Iterator {
	return &Iterator{u: u, dtb: proc.DTB, pc: ctx.IP, sp: ctx.SP, bp: ctx.BP, base: ctx.SP, top: true}
}

// Get visits the call stack of the thread of proc whose registers are ctx.
// It returns nil when the walk ends on an implausible frame or when fn
// returns guest.Stop, and the read error otherwise.
func (u *Unwinder) Get(proc osi.Process, ctx Context, fn Visitor) error {
	it := u.Iterator(proc, ctx)
	for it.Next() {
		if fn(it.Frame()) == guest.Stop {
			return nil
		}
	}
	return it.Err()
}

// Stacktrace returns at most depth+1 steps of the call stack.
func (u *Unwinder) Stacktrace(proc osi.Process, ctx Context, depth int) ([]Callstep, error) {
	if depth < 0 {
		return nil, errors.New("negative maximum stack depth")
	}
	it := u.Iterator(proc, ctx)
	steps := make([]Callstep, 0, depth+1)
	for it.Next() {
		steps = append(steps, it.Frame())
		if len(steps) >= depth+1 {
			break
		}
	}
	if err := it.Err(); err != nil {
		return steps, err
	}
	return steps, nil
}

// Iterator walks a call stack one step at a time.
type Iterator struct {
	u   *Unwinder
	dtb guest.DTB

	pc, sp, bp uint64
	base       uint64
	top        bool
	atend      bool
	frame      Callstep
	err        error
}

// Next moves the iterator to the next step of the call stack.
func (it *Iterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}
	if it.top {
		it.top = false
		it.frame = it.step(it.pc, it.sp, it.bp)
		return true
	}
	l := &it.u.layout
	if !it.plausible(it.bp) {
		it.atend = true
		return false
	}
	ret, err := it.readPtr(it.bp + l.ReturnAddr)
	if err != nil {
		it.err = fmt.Errorf("reading return address of frame at %#x: %w", it.bp, err)
		return false
	}
	saved, err := it.readPtr(it.bp + l.SavedBP)
	if err != nil {
		it.err = fmt.Errorf("reading frame pointer of frame at %#x: %w", it.bp, err)
		return false
	}
	if ret == 0 {
		it.atend = true
		return false
	}
	it.pc = ret
	it.sp = it.bp + l.ReturnAddr + uint64(l.PtrSize)
	it.bp = saved
	it.frame = it.step(it.pc, it.sp, it.bp)
	return true
}

// plausible reports whether bp can be the frame pointer of the next frame:
// aligned, above the current stack pointer and within MaxStack of the
// initial one. Frame pointers strictly increase along the walk, which
// bounds it.
func (it *Iterator) plausible(bp uint64) bool {
	l := &it.u.layout
	if bp == 0 || bp%uint64(l.PtrSize) != 0 {
		return false
	}
	return bp >= it.sp && bp-it.base < l.MaxStack
}

func (it *Iterator) readPtr(addr uint64) (uint64, error) {
	if it.u.layout.PtrSize == 4 {
		v, err := it.u.mem.ReadUint32(it.dtb, addr)
		return uint64(v), err
	}
	return it.u.mem.ReadPointer(it.dtb, addr)
}

func (it *Iterator) step(pc, sp, bp uint64) Callstep {
	s := Callstep{Addr: pc, SP: sp, BP: bp}
	if it.u.sym != nil {
		if cur, ok := it.u.sym.Find(pc); ok {
			s.Cursor = &cur
		}
	}
	return s
}

// Frame returns the step the iterator is pointing at.
func (it *Iterator) Frame() Callstep {
	return it.frame
}

// Err returns the error that ended the walk, if any.
func (it *Iterator) Err() error {
	return it.err
}

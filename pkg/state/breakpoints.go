package state

import (
	"errors"
	"fmt"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
)

// Scope restricts the hits of a breakpoint to one process. The zero value
// is the global scope.
type Scope struct {
	// ProcessID is the opaque identifier of the process, as returned by
	// the OS layer.
	ProcessID uint64
	// DTB is the address space of the process, used to translate the
	// breakpoint address.
	DTB guest.DTB
}

// Global reports whether s matches every process.
func (s Scope) Global() bool {
	return s.ProcessID == 0
}

func (s Scope) String() string {
	if s.Global() {
		return "global"
	}
	return fmt.Sprintf("process %#x", s.ProcessID)
}

// Hit is passed to the callback of a breakpoint when the guest reaches it.
type Hit struct {
	Breakpoint *Breakpoint
	// Addr is the address of the trap, the current instruction pointer.
	Addr uint64
	VCPU int
	// Engine is the engine dispatching the hit, callbacks can use it to
	// remove breakpoints or to register new ones.
	Engine *Engine
}

// Callback is invoked, while the guest is paused, every time a breakpoint
// is hit.
type Callback func(*Hit)

// Breakpoint is a logical breakpoint. Several breakpoints can share the
// same physical trap.
type Breakpoint struct {
	ID    int
	Addr  uint64
	Scope Scope
	// Name is an optional description used in logs.
	Name string
	// Data is opaque to the engine, it is available to the callback
	// through Hit.Breakpoint.
	Data interface{}

	// HitCount is the number of times the callback was invoked.
	HitCount uint64

	cb      Callback
	trap    *trap
	removed bool
}

func (bp *Breakpoint) String() string {
	name := bp.Name
	if name == "" {
		name = fmt.Sprintf("%#x", bp.Addr)
	}
	return fmt.Sprintf("breakpoint %d at %s (%v)", bp.ID, name, bp.Scope)
}

// Removed reports whether bp was removed from its engine.
func (bp *Breakpoint) Removed() bool {
	return bp.removed
}

type trapKey struct {
	addr uint64
	dtb  guest.DTB
}

// trap is a physical breakpoint, set on the transport while at least one
// logical breakpoint references it.
type trap struct {
	hw    hv.Breakpoint
	refs  int
	armed bool
}

// ErrUnmappedBreakpoint is matched by errors returned when a breakpoint
// address cannot be translated in the address space of its scope.
var ErrUnmappedBreakpoint = errors.New("breakpoint address not mapped")

// UnmappedBreakpointError is returned by SetBreakpoint and
// SetProcessBreakpoint when the address has no translation.
type UnmappedBreakpointError struct {
	Addr uint64
	DTB  guest.DTB
	Err  error
}

func (err *UnmappedBreakpointError) Error() string {
	return fmt.Sprintf("could not set breakpoint at %#x in %v: %v", err.Addr, err.DTB, err.Err)
}

func (err *UnmappedBreakpointError) Is(target error) bool {
	return target == ErrUnmappedBreakpoint
}

func (err *UnmappedBreakpointError) Unwrap() error {
	return err.Err
}

var (
	// ErrRunning is returned by operations that require the guest to be
	// paused.
	ErrRunning = errors.New("guest is running")
	// ErrNotRunning is returned by Wait when the guest was not resumed.
	ErrNotRunning = errors.New("guest is not running")
	// ErrGuestHalted is returned by Wait when the guest stopped executing
	// for good.
	ErrGuestHalted = errors.New("guest halted")
	// ErrUnknownBreakpoint is returned when removing a breakpoint that is
	// not registered.
	ErrUnknownBreakpoint = errors.New("unknown breakpoint")
)

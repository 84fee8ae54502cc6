// Package osi defines the OS abstraction layer: enumeration of the
// processes, threads, modules and drivers of the guest operating system
// and the notifications of their lifecycle.
//
// Handles returned by the OS layer are only valid until the guest is
// resumed. They are never cached, the layer reads guest memory on every
// call.
package osi

import (
	"fmt"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/state"
)

// Process identifies a guest process.
type Process struct {
	// ID is opaque, unique for the lifetime of the process.
	ID  uint64
	DTB guest.DTB
}

// Scope returns the breakpoint scope restricted to p.
func (p Process) Scope() state.Scope {
	return state.Scope{ProcessID: p.ID, DTB: p.DTB}
}

// Thread identifies a guest thread.
type Thread struct {
	ID uint64
}

// Module identifies a module loaded in a process.
type Module struct {
	ID uint64
}

// Driver identifies a kernel driver.
type Driver struct {
	ID uint64
}

// JoinMode selects the instruction pointers accepted by ProcJoin.
type JoinMode int

const (
	// JoinAnyMode returns as soon as a thread of the process is scheduled.
	JoinAnyMode JoinMode = iota
	// JoinUserMode returns when a thread of the process executes user mode
	// code.
	JoinUserMode
)

func (m JoinMode) String() string {
	switch m {
	case JoinAnyMode:
		return "any"
	case JoinUserMode:
		return "user"
	}
	return fmt.Sprintf("JoinMode(%d)", int(m))
}

// ProcessVisitor is invoked once per process by ProcList.
type ProcessVisitor func(Process) guest.Walk

// ThreadVisitor is invoked once per thread by ThreadList.
type ThreadVisitor func(Thread) guest.Walk

// ModuleVisitor is invoked once per module by ModList.
type ModuleVisitor func(Module) guest.Walk

// DriverVisitor is invoked once per driver by DriverList.
type DriverVisitor func(Driver) guest.Walk

// DriverCallback is invoked by ListenDrvCreate every time a driver is
// loaded.
type DriverCallback func(Driver)

// ProcessCallback is invoked by ListenProcCreate and ListenProcDelete.
type ProcessCallback func(Process)

// OS is the capability set of one guest operating system family.
//
// List operations visit elements in the order of the kernel data
// structures, the order can change between calls. Elements that cannot be
// read are skipped. The returned error is only set when the enumeration
// itself failed, for instance on a transport failure.
//
// Lookups returning a bool report false when the element cannot be read or
// does not exist.
type OS interface {
	DriverList(fn DriverVisitor) error
	DriverFind(addr uint64) (Driver, bool)
	DriverFindName(name string) (Driver, bool)
	DriverName(drv Driver) (string, bool)
	DriverSpan(drv Driver) (guest.Span, bool)

	ProcList(fn ProcessVisitor) error
	ProcFind(name string) (Process, bool)
	ProcCurrent() (Process, bool)
	ProcName(proc Process) (string, bool)
	ProcID(proc Process) (uint64, bool)
	// ProcJoin resumes the guest until a thread of proc is scheduled with
	// an instruction pointer matching mode. The guest is paused when it
	// returns.
	ProcJoin(proc Process, mode JoinMode) error

	ThreadList(proc Process, fn ThreadVisitor) error
	ThreadCurrent() (Thread, bool)
	ThreadProc(thread Thread) (Process, bool)
	ThreadPC(proc Process, thread Thread) (uint64, bool)
	ThreadID(proc Process, thread Thread) (uint64, bool)

	ModList(proc Process, fn ModuleVisitor) error
	ModName(proc Process, mod Module) (string, bool)
	ModSpan(proc Process, mod Module) (guest.Span, bool)

	// ListenDrvCreate invokes fn every time a driver is loaded, until the
	// returned breakpoint is removed from the state machine.
	ListenDrvCreate(fn DriverCallback) (*state.Breakpoint, error)
	// ListenProcCreate invokes fn every time a process is created.
	ListenProcCreate(fn ProcessCallback) (*state.Breakpoint, error)
	// ListenProcDelete invokes fn every time a process exits.
	ListenProcDelete(fn ProcessCallback) (*state.Breakpoint, error)

	// KernelDTB returns the address space of the kernel.
	KernelDTB() guest.DTB
}

// Family is a guest operating system family.
type Family int

const (
	FamilyUnknown Family = iota
	// FamilyNT is 64-bit Windows.
	FamilyNT
)

func (f Family) String() string {
	switch f {
	case FamilyNT:
		return "nt"
	}
	return "unknown"
}

// ParseFamily returns the family called name.
func ParseFamily(name string) (Family, error) {
	switch name {
	case "nt", "windows":
		return FamilyNT, nil
	}
	return FamilyUnknown, fmt.Errorf("unsupported guest os %q", name)
}

// Package hv describes the hypervisor introspection capability consumed by
// the engine: physical memory access, vCPU registers, execution
// breakpoints and run control of a virtual machine.
//
// The engine never talks to a hypervisor directly, every backend
// (see package gdbstub) implements Transport.
package hv

import (
	"errors"
	"fmt"

	"github.com/go-delve/vmi/pkg/guest"
)

// Register names a vCPU register readable through a Transport.
type Register int

const (
	RAX Register = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	RFLAGS
	CS
	SS
	FSBase
	GSBase
	KernelGSBase
	CR0
	CR2
	CR3
	CR4
	numRegisters
)

var registerNames = [...]string{
	RAX:          "rax",
	RBX:          "rbx",
	RCX:          "rcx",
	RDX:          "rdx",
	RSI:          "rsi",
	RDI:          "rdi",
	RBP:          "rbp",
	RSP:          "rsp",
	R8:           "r8",
	R9:           "r9",
	R10:          "r10",
	R11:          "r11",
	R12:          "r12",
	R13:          "r13",
	R14:          "r14",
	R15:          "r15",
	RIP:          "rip",
	RFLAGS:       "eflags",
	CS:           "cs",
	SS:           "ss",
	FSBase:       "fs_base",
	GSBase:       "gs_base",
	KernelGSBase: "k_gs_base",
	CR0:          "cr0",
	CR2:          "cr2",
	CR3:          "cr3",
	CR4:          "cr4",
}

// String returns the register name as used by the gdb x86-64 target
// description.
func (r Register) String() string {
	if r < 0 || r >= numRegisters {
		return fmt.Sprintf("reg%d", int(r))
	}
	return registerNames[r]
}

// Registers lists every register known to the engine.
func Registers() []Register {
	regs := make([]Register, 0, numRegisters)
	for r := Register(0); r < numRegisters; r++ {
		regs = append(regs, r)
	}
	return regs
}

// Breakpoint describes one physical execution trap.
type Breakpoint struct {
	// Virt is the guest virtual address of the trap.
	Virt uint64
	// Phys is the guest physical address Virt translates to in DTB.
	Phys uint64
	// DTB restricts the trap to one address space, zero means any.
	DTB guest.DTB
}

// EventKind describes why Wait returned.
type EventKind int

const (
	// EventTrap means a vCPU reached an armed breakpoint or finished a
	// single step.
	EventTrap EventKind = iota
	// EventHalt means the guest stopped executing for good (shutdown,
	// hypervisor detached).
	EventHalt
	// EventInterrupt means the guest was stopped by Pause.
	EventInterrupt
)

func (k EventKind) String() string {
	switch k {
	case EventTrap:
		return "trap"
	case EventHalt:
		return "halt"
	case EventInterrupt:
		return "interrupt"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is reported by Transport.Wait.
type Event struct {
	Kind EventKind
	// VCPU is the index of the vCPU that stopped.
	VCPU int
	// PC is the instruction pointer of VCPU when it stopped.
	PC uint64
}

// Transport is the hypervisor introspection capability.
//
// All methods except Wait return immediately. Wait blocks until the guest
// stops on a trap, is interrupted or halts. Register accesses refer to the
// vCPU that reported the last event.
//
// A Transport is driven by a single goroutine. Interrupt is the only
// method that may be called from other goroutines, concurrently with any
// other method.
type Transport interface {
	ReadPhysical(buf []byte, pa uint64) error
	WritePhysical(buf []byte, pa uint64) error

	ReadRegister(reg Register) (uint64, error)
	WriteRegister(reg Register, val uint64) error

	SetBreakpoint(bp Breakpoint) error
	ClearBreakpoint(bp Breakpoint) error

	// Pause stops every vCPU and returns once the guest is stopped.
	Pause() error
	// Interrupt asks a running guest to stop without waiting for it, the
	// stop is reported by Wait as EventInterrupt. When the guest is not
	// running the request applies to the next Resume.
	Interrupt() error
	// Resume lets the guest run, it does not wait for the next stop.
	Resume() error
	// Step executes a single instruction on the current vCPU and returns
	// once it stopped again.
	Step() error
	// Wait blocks until the next stop event.
	Wait() (Event, error)

	Close() error
}

// ErrTransportFailure is the sentinel matched by every error caused by an
// unreachable or misbehaving hypervisor capability. It is fatal to the
// operation that observed it.
var ErrTransportFailure = errors.New("hypervisor transport failure")

// TransportError wraps a failure of the hypervisor capability.
type TransportError struct {
	Op  string
	Err error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("%s: %v: %v", err.Op, ErrTransportFailure, err.Err)
}

func (err *TransportError) Unwrap() []error {
	return []error{ErrTransportFailure, err.Err}
}

// Failure wraps err into a *TransportError unless it already is one.
func Failure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransportFailure) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// ErrNoMemory is returned by transports when a physical address is outside
// guest RAM.
var ErrNoMemory = errors.New("physical address outside guest memory")

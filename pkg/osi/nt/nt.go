// Package nt implements the OS layer for 64-bit Windows guests.
//
// Kernel structures are read directly from guest memory using the offsets
// in Offsets and the kernel symbols loaded from the program database of
// the kernel image.
package nt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/memory"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/pe"
	"github.com/go-delve/vmi/pkg/state"
	"github.com/go-delve/vmi/pkg/symbols"
)

const (
	// KernelStore is the name of the symbol store of the kernel image.
	KernelStore = "nt"

	pageSize = 0x1000
	// maxKernelScan bounds the backward search for the kernel image
	// header from the first interrupt handler.
	maxKernelScan = 64 << 20
	// maxListEntries bounds the walk of guest linked lists.
	maxListEntries = 0x10000
)

// ErrKernelNotFound is returned by New when the kernel image cannot be
// located in guest memory.
var ErrKernelNotFound = errors.New("could not find kernel image")

// MissingSymbolError is returned by New when a symbol required by the
// layer is not in the kernel symbol store.
type MissingSymbolError struct {
	Name string
}

func (err *MissingSymbolError) Error() string {
	return fmt.Sprintf("missing kernel symbol %s!%s", KernelStore, err.Name)
}

type kernelSymbols struct {
	activeProcessHead uint64
	loadedModuleList  uint64

	// optional, the operations using them fail when they are missing
	swapContext   uint64
	loaderEntry   uint64
	insertProcess uint64
	exitProcess   uint64
}

// OS is the Windows implementation of osi.OS.
type OS struct {
	t   hv.Transport
	mem *memory.Memory
	st  *state.Engine
	sym *symbols.Engine
	off Offsets

	kernel    guest.Span
	kernelDTB guest.DTB
	symbolsOf kernelSymbols

	log *logrus.Entry
}

var (
	_ osi.OS               = (*OS)(nil)
	_ state.ProcessLocator = (*OS)(nil)
)

// New finds the kernel of the paused guest, loads its symbols in sym under
// KernelStore and registers the returned OS as the process locator of st.
//
// The kernel is found from the interrupt descriptor table of the current
// vCPU: the image containing the first interrupt handler is the kernel.
func New(mem *memory.Memory, st *state.Engine, sym *symbols.Engine, off Offsets) (*OS, error) {
	o := &OS{
		t:   mem.Transport(),
		mem: mem,
		st:  st,
		sym: sym,
		off: off,
		log: logflags.OSLogger(),
	}
	cr3, err := o.t.ReadRegister(hv.CR3)
	if err != nil {
		return nil, hv.Failure("read cr3", err)
	}
	o.kernelDTB = guest.DTB(cr3)

	if err := o.findKernel(); err != nil {
		return nil, err
	}
	if err := o.loadSymbols(); err != nil {
		return nil, err
	}
	if err := o.findKernelDTB(); err != nil {
		return nil, err
	}
	st.SetKernelDTB(o.kernelDTB)
	st.SetProcessLocator(o)
	o.log.Infof("kernel at %v, dtb %v", o.kernel, o.kernelDTB)
	return o, nil
}

// kpcr returns the address of the processor control region of the current
// vCPU. In user mode gs points to the thread environment block and the
// kernel value is in the shadow register.
func (o *OS) kpcr() (uint64, error) {
	gs, err := o.t.ReadRegister(hv.GSBase)
	if err != nil {
		return 0, hv.Failure("read gs base", err)
	}
	if guest.KernelAddr(gs) {
		return gs, nil
	}
	gs, err = o.t.ReadRegister(hv.KernelGSBase)
	if err != nil {
		return 0, hv.Failure("read kernel gs base", err)
	}
	if !guest.KernelAddr(gs) {
		return 0, fmt.Errorf("no processor control region: gs bases are user addresses")
	}
	return gs, nil
}

func (o *OS) findKernel() error {
	kpcr, err := o.kpcr()
	if err != nil {
		return err
	}
	idt, err := o.mem.ReadPointer(o.kernelDTB, kpcr+o.off.KPCR.IdtBase)
	if err != nil {
		return fmt.Errorf("reading idt base: %w", err)
	}
	var gate [16]byte
	if err := o.mem.ReadVirtual(gate[:], o.kernelDTB, idt); err != nil {
		return fmt.Errorf("reading idt: %w", err)
	}
	handler := uint64(gate[0]) | uint64(gate[1])<<8 |
		uint64(gate[6])<<16 | uint64(gate[7])<<24 |
		uint64(gate[8])<<32 | uint64(gate[9])<<40 | uint64(gate[10])<<48 | uint64(gate[11])<<56
	if logflags.OS() {
		o.log.Debugf("kpcr %#x, idt %#x, first handler %#x", kpcr, idt, handler)
	}

	r := o.mem.Reader(o.kernelDTB)
	var mz [2]byte
	for page := handler &^ (pageSize - 1); handler-page < maxKernelScan; page -= pageSize {
		err := o.mem.ReadVirtual(mz[:], o.kernelDTB, page)
		switch {
		case errors.Is(err, memory.ErrUnmapped):
			continue
		case err != nil:
			return err
		case !bytes.Equal(mz[:], []byte("MZ")):
			continue
		}
		h, err := pe.ReadHeader(r, guest.Span{Addr: page, Size: maxKernelScan})
		if err != nil {
			if errors.Is(err, hv.ErrTransportFailure) {
				return err
			}
			continue
		}
		if page+uint64(h.SizeOfImage) <= handler {
			continue
		}
		o.kernel = guest.Span{Addr: page, Size: uint64(h.SizeOfImage)}
		return nil
	}
	return ErrKernelNotFound
}

func (o *OS) loadSymbols() error {
	if _, ok := o.sym.Store(KernelStore); !ok {
		cv, err := pe.ReadCodeView(o.mem.Reader(o.kernelDTB), o.kernel)
		if err != nil {
			return fmt.Errorf("reading kernel debug directory: %w", err)
		}
		if err := o.sym.LoadModule(KernelStore, o.kernel, cv); err != nil {
			return err
		}
	}
	required := []struct {
		name string
		p    *uint64
	}{
		{"PsActiveProcessHead", &o.symbolsOf.activeProcessHead},
		{"PsLoadedModuleList", &o.symbolsOf.loadedModuleList},
	}
	for _, s := range required {
		addr, ok := o.sym.Symbol(KernelStore, s.name)
		if !ok {
			return &MissingSymbolError{s.name}
		}
		*s.p = addr
	}
	optional := []struct {
		name string
		p    *uint64
	}{
		{"SwapContext", &o.symbolsOf.swapContext},
		{"MiProcessLoaderEntry", &o.symbolsOf.loaderEntry},
		{"PspInsertProcess", &o.symbolsOf.insertProcess},
		{"PspExitProcess", &o.symbolsOf.exitProcess},
	}
	for _, s := range optional {
		addr, ok := o.sym.Symbol(KernelStore, s.name)
		if !ok {
			o.log.Warnf("missing kernel symbol %s", s.name)
			continue
		}
		*s.p = addr
	}
	return nil
}

// findKernelDTB replaces the current address space by the one of the
// System process, the first entry of the process list.
func (o *OS) findKernelDTB() error {
	head := o.symbolsOf.activeProcessHead
	flink, err := o.mem.ReadPointer(o.kernelDTB, head)
	if err != nil {
		return fmt.Errorf("reading process list: %w", err)
	}
	if flink == head || flink == 0 {
		return errors.New("empty process list")
	}
	dtb, err := o.mem.ReadPointer(o.kernelDTB, flink-o.off.EPROCESS.ActiveProcessLinks+o.off.KPROCESS.DirectoryTableBase)
	if err != nil {
		return fmt.Errorf("reading system process: %w", err)
	}
	o.kernelDTB = guest.DTB(dtb)
	return nil
}

// KernelDTB returns the address space of the System process.
func (o *OS) KernelDTB() guest.DTB {
	return o.kernelDTB
}

// Kernel returns the span of the kernel image.
func (o *OS) Kernel() guest.Span {
	return o.kernel
}

// walkList visits the entries of the circular doubly linked list at head.
// The visitor receives the address of the list entry.
func (o *OS) walkList(dtb guest.DTB, head uint64, fn func(entry uint64) guest.Walk) error {
	flink, err := o.mem.ReadPointer(dtb, head)
	for n := 0; ; n++ {
		if err != nil {
			return o.listError(head, err)
		}
		if flink == head || flink == 0 {
			return nil
		}
		if n >= maxListEntries {
			o.log.Warnf("list at %#x: more than %d entries", head, maxListEntries)
			return nil
		}
		if fn(flink) == guest.Stop {
			return nil
		}
		flink, err = o.mem.ReadPointer(dtb, flink)
	}
}

// listError returns err if the walk must fail, an entry that cannot be
// read ends the walk.
func (o *OS) listError(head uint64, err error) error {
	if errors.Is(err, hv.ErrTransportFailure) {
		return err
	}
	o.log.Warnf("list at %#x: %v", head, err)
	return nil
}

// lookupError logs err when a lookup fails.
func (o *OS) lookupError(what string, err error) {
	if errors.Is(err, hv.ErrTransportFailure) {
		o.log.Errorf("%s: %v", what, err)
		return
	}
	if logflags.OS() {
		o.log.Debugf("%s: %v", what, err)
	}
}

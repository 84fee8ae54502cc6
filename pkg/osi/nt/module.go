package nt

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/state"
)

// maxUnicodeString bounds the length, in bytes, of the strings read from
// the guest.
const maxUnicodeString = 0x1000

// readUnicodeString reads the UNICODE_STRING at addr.
func (o *OS) readUnicodeString(dtb guest.DTB, addr uint64) (string, error) {
	var hdr [16]byte
	if err := o.mem.ReadVirtual(hdr[:], dtb, addr); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(hdr[0:])
	buf := binary.LittleEndian.Uint64(hdr[8:])
	if n == 0 {
		return "", nil
	}
	if n > maxUnicodeString || n%2 != 0 {
		return "", fmt.Errorf("bad string length %#x at %#x", n, addr)
	}
	raw := make([]byte, n)
	if err := o.mem.ReadVirtual(raw, dtb, buf); err != nil {
		return "", err
	}
	u := make([]uint16, n/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(u)), nil
}

// ldrSpan reads the span of the image described by the loader entry at
// entry.
func (o *OS) ldrSpan(dtb guest.DTB, entry uint64) (guest.Span, error) {
	base, err := o.mem.ReadPointer(dtb, entry+o.off.LDR_DATA_TABLE_ENTRY.DllBase)
	if err != nil {
		return guest.Span{}, err
	}
	size, err := o.mem.ReadUint32(dtb, entry+o.off.LDR_DATA_TABLE_ENTRY.SizeOfImage)
	if err != nil {
		return guest.Span{}, err
	}
	return guest.Span{Addr: base, Size: uint64(size)}, nil
}

// ModList visits the modules of proc, in load order. Processes without a
// user address space, like System, have no modules.
func (o *OS) ModList(proc osi.Process, fn osi.ModuleVisitor) error {
	peb, err := o.mem.ReadPointer(o.kernelDTB, proc.ID+o.off.EPROCESS.Peb)
	if err != nil {
		return o.listError(proc.ID, err)
	}
	if peb == 0 {
		return nil
	}
	ldr, err := o.mem.ReadPointer(proc.DTB, peb+o.off.PEB.Ldr)
	if err != nil {
		return o.listError(peb, err)
	}
	if ldr == 0 {
		return nil
	}
	// InLoadOrderLinks is the first field of the loader entries
	return o.walkList(proc.DTB, ldr+o.off.PEB_LDR_DATA.InLoadOrderModuleList, func(entry uint64) guest.Walk {
		return fn(osi.Module{ID: entry})
	})
}

// ModName returns the file name of mod.
func (o *OS) ModName(proc osi.Process, mod osi.Module) (string, bool) {
	name, err := o.readUnicodeString(proc.DTB, mod.ID+o.off.LDR_DATA_TABLE_ENTRY.BaseDllName)
	if err != nil {
		o.lookupError("reading module name", err)
		return "", false
	}
	return name, true
}

// ModSpan returns the span where mod is mapped.
func (o *OS) ModSpan(proc osi.Process, mod osi.Module) (guest.Span, bool) {
	span, err := o.ldrSpan(proc.DTB, mod.ID)
	if err != nil {
		o.lookupError("reading module span", err)
		return guest.Span{}, false
	}
	return span, true
}

// DriverList visits the drivers linked from PsLoadedModuleList, the kernel
// image first.
func (o *OS) DriverList(fn osi.DriverVisitor) error {
	return o.walkList(o.kernelDTB, o.symbolsOf.loadedModuleList, func(entry uint64) guest.Walk {
		return fn(osi.Driver{ID: entry})
	})
}

// DriverFind returns the driver whose image contains addr.
func (o *OS) DriverFind(addr uint64) (osi.Driver, bool) {
	var found osi.Driver
	ok := false
	o.DriverList(func(drv osi.Driver) guest.Walk {
		if span, sok := o.DriverSpan(drv); sok && span.Contains(addr) {
			found, ok = drv, true
			return guest.Stop
		}
		return guest.Next
	})
	return found, ok
}

// DriverFindName returns the driver whose file name is name, compared
// case insensitively.
func (o *OS) DriverFindName(name string) (osi.Driver, bool) {
	var found osi.Driver
	ok := false
	o.DriverList(func(drv osi.Driver) guest.Walk {
		got, err := o.readUnicodeString(o.kernelDTB, drv.ID+o.off.LDR_DATA_TABLE_ENTRY.BaseDllName)
		if err == nil && strings.EqualFold(got, name) {
			found, ok = drv, true
			return guest.Stop
		}
		return guest.Next
	})
	return found, ok
}

// DriverName returns the full path of drv, or its file name when the path
// cannot be read.
func (o *OS) DriverName(drv osi.Driver) (string, bool) {
	name, err := o.readUnicodeString(o.kernelDTB, drv.ID+o.off.LDR_DATA_TABLE_ENTRY.FullDllName)
	if err == nil && name != "" {
		return name, true
	}
	name, err = o.readUnicodeString(o.kernelDTB, drv.ID+o.off.LDR_DATA_TABLE_ENTRY.BaseDllName)
	if err != nil {
		o.lookupError("reading driver name", err)
		return "", false
	}
	return name, true
}

// DriverSpan returns the span where drv is mapped.
func (o *OS) DriverSpan(drv osi.Driver) (guest.Span, bool) {
	span, err := o.ldrSpan(o.kernelDTB, drv.ID)
	if err != nil {
		o.lookupError("reading driver span", err)
		return guest.Span{}, false
	}
	return span, true
}

// ListenDrvCreate sets a breakpoint on MiProcessLoaderEntry, called with
// the loader entry of the driver and a flag set when the entry is inserted
// in the driver list.
func (o *OS) ListenDrvCreate(fn osi.DriverCallback) (*state.Breakpoint, error) {
	if o.symbolsOf.loaderEntry == 0 {
		return nil, &MissingSymbolError{"MiProcessLoaderEntry"}
	}
	bp, err := o.st.SetBreakpoint(o.symbolsOf.loaderEntry, func(*state.Hit) {
		entry, err := o.t.ReadRegister(hv.RCX)
		if err != nil {
			o.lookupError("reading loader entry", err)
			return
		}
		insert, err := o.t.ReadRegister(hv.RDX)
		if err != nil {
			o.lookupError("reading loader entry flag", err)
			return
		}
		if insert&0xff == 0 {
			return
		}
		fn(osi.Driver{ID: entry})
	})
	if err != nil {
		return nil, err
	}
	bp.Name = KernelStore + "!MiProcessLoaderEntry"
	return bp, nil
}

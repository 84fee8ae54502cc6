// Package nttest builds a simulated 64-bit Windows kernel on top of an
// hvtest guest: the kernel image with its symbols, the processor control
// region and the process, thread, module and driver lists.
package nttest

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/hv/hvtest"
	"github.com/go-delve/vmi/pkg/osi/nt"
	"github.com/go-delve/vmi/pkg/pe"
	"github.com/go-delve/vmi/pkg/pe/petest"
	"github.com/go-delve/vmi/pkg/symbols"
)

const (
	KernelBase = 0xfffff80000000000
	KernelSize = 0x20000

	// Offsets of the kernel functions in the image.
	SwapContext          = KernelBase + 0x2000
	MiProcessLoaderEntry = KernelBase + 0x3000
	PspInsertProcess     = KernelBase + 0x4000
	PspExitProcess       = KernelBase + 0x5000
	KiDivideErrorFault   = KernelBase + 0x6000
	NtCreateFile         = KernelBase + 0x7000
	NtClose              = KernelBase + 0x7100

	PsActiveProcessHead = KernelBase + 0x10000
	PsLoadedModuleList  = KernelBase + 0x10010

	// SymbolPath is the directory of Fs holding the kernel symbols.
	SymbolPath = "/symbols"

	heapBase = 0xffffa00000000000
	heapSize = 0x200000

	userHeap     = 0x000000d000000000
	userHeapSize = 0x20000
)

// KernelGUID identifies the program database of the simulated kernel.
var KernelGUID = uuid.MustParse("a5a3e5f0-4bd6-4f3a-8c57-7d1f1c2e9b31")

// Kernel is a simulated Windows kernel.
type Kernel struct {
	G *hvtest.Guest
	// Fs holds the symbols of the kernel under SymbolPath.
	Fs  afero.Fs
	DTB guest.DTB
	Off nt.Offsets

	System *Process
	Idle   *Thread

	kpcr uint64
	heap uint64
}

// Process is a simulated EPROCESS.
type Process struct {
	EPROCESS uint64
	DTB      guest.DTB
	PID      uint64
	Name     string

	k    *Kernel
	user uint64
	ldr  uint64
}

// Thread is a simulated ETHREAD.
type Thread struct {
	ETHREAD uint64
	TID     uint64
	Proc    *Process

	trapFrame uint64
}

// New returns a kernel with the System process and its idle thread
// running on the vCPU.
func New() *Kernel {
	g := hvtest.New()
	k := &Kernel{G: g, Fs: afero.NewMemMapFs(), DTB: g.NewAddressSpace(), Off: nt.DefaultOffsets(), heap: heapBase}

	img := &petest.Image{ImageBase: KernelBase, SizeOfImage: KernelSize, GUID: KernelGUID, Age: 1, PDBName: "ntkrnlmp.pdb"}
	g.MapRange(k.DTB, KernelBase, KernelSize)
	g.Poke(k.DTB, KernelBase, img.Build())
	g.MapRange(k.DTB, heapBase, heapSize)
	k.writeSymbols(img)

	k.kpcr = k.alloc(0x1000)
	idt := k.alloc(0x1000)
	k.writeGate(idt, KiDivideErrorFault)
	g.Poke64(k.DTB, k.kpcr+k.Off.KPCR.IdtBase, idt)
	k.initList(k.DTB, PsActiveProcessHead)
	k.initList(k.DTB, PsLoadedModuleList)

	k.System = k.AddProcess("System", 4)
	k.Idle = k.AddThread(k.System, 8)
	k.AddDriver(`\SystemRoot\system32\ntoskrnl.exe`, KernelBase, KernelSize)

	g.SetRegister(hv.GSBase, k.kpcr)
	g.SetRegister(hv.CR3, uint64(k.DTB))
	k.SetCurrent(k.Idle)
	return k
}

func (k *Kernel) writeSymbols(img *petest.Image) {
	syms := []symbols.Symbol{
		{Offset: SwapContext - KernelBase, Name: "SwapContext"},
		{Offset: MiProcessLoaderEntry - KernelBase, Name: "MiProcessLoaderEntry"},
		{Offset: PspInsertProcess - KernelBase, Name: "PspInsertProcess"},
		{Offset: PspExitProcess - KernelBase, Name: "PspExitProcess"},
		{Offset: KiDivideErrorFault - KernelBase, Name: "KiDivideErrorFault"},
		{Offset: NtCreateFile - KernelBase, Name: "NtCreateFile"},
		{Offset: NtClose - KernelBase, Name: "NtClose"},
		{Offset: PsActiveProcessHead - KernelBase, Name: "PsActiveProcessHead"},
		{Offset: PsLoadedModuleList - KernelBase, Name: "PsLoadedModuleList"},
	}
	var buf bytes.Buffer
	if err := symbols.WriteTextMap(&buf, syms); err != nil {
		panic(err)
	}
	cv := &pe.CodeView{GUID: img.GUID, Age: img.Age, PDBName: img.PDBName}
	path := filepath.Join(SymbolPath, img.PDBName, cv.Key(), img.PDBName)
	if err := afero.WriteFile(k.Fs, path, buf.Bytes(), 0o644); err != nil {
		panic(err)
	}
}

// writeGate writes an interrupt gate for handler at idt.
func (k *Kernel) writeGate(idt, handler uint64) {
	var gate [16]byte
	binary.LittleEndian.PutUint16(gate[0:], uint16(handler))
	binary.LittleEndian.PutUint16(gate[2:], 0x10)
	gate[5] = 0x8e
	binary.LittleEndian.PutUint16(gate[6:], uint16(handler>>16))
	binary.LittleEndian.PutUint32(gate[8:], uint32(handler>>32))
	k.G.Poke(k.DTB, idt, gate[:])
}

// alloc returns size zeroed bytes of kernel memory.
func (k *Kernel) alloc(size uint64) uint64 {
	addr := k.heap
	k.heap += (size + 0xf) &^ 0xf
	if k.heap > heapBase+heapSize {
		panic("nttest: kernel heap exhausted")
	}
	return addr
}

func (p *Process) alloc(size uint64) uint64 {
	addr := p.user
	p.user += (size + 0xf) &^ 0xf
	if p.user > userHeap+userHeapSize {
		panic("nttest: user heap exhausted")
	}
	return addr
}

func (k *Kernel) initList(dtb guest.DTB, head uint64) {
	k.G.Poke64(dtb, head, head)
	k.G.Poke64(dtb, head+8, head)
}

func (k *Kernel) insertTail(dtb guest.DTB, head, entry uint64) {
	blink := k.peek64(dtb, head+8)
	k.G.Poke64(dtb, entry, head)
	k.G.Poke64(dtb, entry+8, blink)
	k.G.Poke64(dtb, blink, entry)
	k.G.Poke64(dtb, head+8, entry)
}

func (k *Kernel) unlink(dtb guest.DTB, entry uint64) {
	flink := k.peek64(dtb, entry)
	blink := k.peek64(dtb, entry+8)
	k.G.Poke64(dtb, blink, flink)
	k.G.Poke64(dtb, flink+8, blink)
}

func (k *Kernel) peek64(dtb guest.DTB, va uint64) uint64 {
	return binary.LittleEndian.Uint64(k.G.Peek(dtb, va, 8))
}

// writeString writes a UNICODE_STRING at addr whose buffer is allocated
// with alloc.
func (k *Kernel) writeString(dtb guest.DTB, addr uint64, s string, alloc func(uint64) uint64) {
	u := utf16.Encode([]rune(s))
	raw := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(raw[2*i:], c)
	}
	buf := alloc(uint64(len(raw)) + 2)
	k.G.Poke(dtb, buf, raw)
	var hdr [16]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(len(raw)))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(raw)+2))
	binary.LittleEndian.PutUint64(hdr[8:], buf)
	k.G.Poke(dtb, addr, hdr[:])
}

// NewProcess creates a process without linking it in the active process
// list, like the kernel does before PspInsertProcess.
func (k *Kernel) NewProcess(name string, pid uint64) *Process {
	p := &Process{EPROCESS: k.alloc(0x1000), PID: pid, Name: name, k: k}
	if k.System == nil {
		p.DTB = k.DTB
	} else {
		p.DTB = k.G.NewAddressSpace()
		k.G.ShareKernel(p.DTB, k.DTB)
	}
	off := &k.Off
	g := k.G
	g.Poke64(k.DTB, p.EPROCESS+off.KPROCESS.DirectoryTableBase, uint64(p.DTB))
	g.Poke64(k.DTB, p.EPROCESS+off.EPROCESS.UniqueProcessId, pid)

	short := name
	if len(short) > 14 {
		short = short[:14]
	}
	g.Poke(k.DTB, p.EPROCESS+off.EPROCESS.ImageFileName, append([]byte(short), 0))
	if p.DTB != k.DTB {
		info := k.alloc(16)
		k.writeString(k.DTB, info, `\Device\HarddiskVolume2\Windows\System32\`+name, k.alloc)
		g.Poke64(k.DTB, p.EPROCESS+off.EPROCESS.SeAuditProcessCreationInfo, info)
	}
	k.initList(k.DTB, p.EPROCESS+off.EPROCESS.ThreadListHead)

	if p.DTB != k.DTB {
		g.MapRange(p.DTB, userHeap, userHeapSize)
		p.user = userHeap
		peb := p.alloc(0x400)
		p.ldr = p.alloc(0x58)
		k.initList(p.DTB, p.ldr+off.PEB_LDR_DATA.InLoadOrderModuleList)
		g.Poke64(p.DTB, peb+off.PEB.Ldr, p.ldr)
		g.Poke64(k.DTB, p.EPROCESS+off.EPROCESS.Peb, peb)
	}
	return p
}

// Link inserts p in the active process list.
func (p *Process) Link() {
	p.k.insertTail(p.k.DTB, PsActiveProcessHead, p.EPROCESS+p.k.Off.EPROCESS.ActiveProcessLinks)
}

// Unlink removes p from the active process list.
func (p *Process) Unlink() {
	p.k.unlink(p.k.DTB, p.EPROCESS+p.k.Off.EPROCESS.ActiveProcessLinks)
}

// AddProcess creates a process and links it in the active process list.
func (k *Kernel) AddProcess(name string, pid uint64) *Process {
	p := k.NewProcess(name, pid)
	p.Link()
	return p
}

// AddThread creates a thread of p with a trap frame.
func (k *Kernel) AddThread(p *Process, tid uint64) *Thread {
	t := &Thread{ETHREAD: k.alloc(0x1000), TID: tid, Proc: p, trapFrame: k.alloc(0x200)}
	off := &k.Off
	k.G.Poke64(k.DTB, t.ETHREAD+off.KTHREAD.Process, p.EPROCESS)
	k.G.Poke64(k.DTB, t.ETHREAD+off.ETHREAD.UniqueThread, tid)
	k.G.Poke64(k.DTB, t.ETHREAD+off.KTHREAD.TrapFrame, t.trapFrame)
	k.insertTail(k.DTB, p.EPROCESS+off.EPROCESS.ThreadListHead, t.ETHREAD+off.ETHREAD.ThreadListEntry)
	return t
}

// SetTrapFrame sets the user mode registers saved in the trap frame of t.
func (t *Thread) SetTrapFrame(rip, rsp, rbp uint64) {
	k := t.Proc.k
	k.G.Poke64(k.DTB, t.trapFrame+k.Off.KTRAP_FRAME.Rip, rip)
	k.G.Poke64(k.DTB, t.trapFrame+k.Off.KTRAP_FRAME.Rsp, rsp)
	k.G.Poke64(k.DTB, t.trapFrame+k.Off.KTRAP_FRAME.Rbp, rbp)
}

// AddModule links a loader entry for the image mapped at base in the
// module list of p and returns the address of the entry.
func (k *Kernel) AddModule(p *Process, name string, base, size uint64) uint64 {
	entry := p.alloc(0x100)
	k.writeLdrEntry(p.DTB, entry, `C:\Windows\System32\`+name, name, base, size, p.alloc)
	k.insertTail(p.DTB, p.ldr+k.Off.PEB_LDR_DATA.InLoadOrderModuleList, entry)
	return entry
}

// Map backs [va, va+size) of p with fresh memory and copies data at va.
func (p *Process) Map(va, size uint64, data []byte) {
	p.k.G.MapRange(p.DTB, va, size)
	if len(data) > 0 {
		p.k.G.Poke(p.DTB, va, data)
	}
}

func (k *Kernel) writeLdrEntry(dtb guest.DTB, entry uint64, full, base string, addr, size uint64, alloc func(uint64) uint64) {
	off := &k.Off.LDR_DATA_TABLE_ENTRY
	k.G.Poke64(dtb, entry+off.DllBase, addr)
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], uint32(size))
	k.G.Poke(dtb, entry+off.SizeOfImage, sz[:])
	k.writeString(dtb, entry+off.FullDllName, full, alloc)
	k.writeString(dtb, entry+off.BaseDllName, base, alloc)
}

// NewDriver creates a loader entry for a driver without linking it.
func (k *Kernel) NewDriver(path string, base, size uint64) uint64 {
	entry := k.alloc(0x100)
	name := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' {
			name = path[i+1:]
			break
		}
	}
	k.writeLdrEntry(k.DTB, entry, path, name, base, size, k.alloc)
	return entry
}

// LinkDriver inserts the loader entry in PsLoadedModuleList.
func (k *Kernel) LinkDriver(entry uint64) {
	k.insertTail(k.DTB, PsLoadedModuleList, entry)
}

// AddDriver creates and links a driver loader entry.
func (k *Kernel) AddDriver(path string, base, size uint64) uint64 {
	entry := k.NewDriver(path, base, size)
	k.LinkDriver(entry)
	return entry
}

// SetCurrent makes t the thread running on the vCPU.
func (k *Kernel) SetCurrent(t *Thread) {
	k.G.Poke64(k.DTB, k.kpcr+k.Off.KPCR.CurrentThread, t.ETHREAD)
	k.G.SetRegister(hv.CR3, uint64(t.Proc.DTB))
}

// At returns a script state executing pc in thread t.
func (k *Kernel) At(pc uint64, t *Thread) hvtest.State {
	return k.Call(pc, t)
}

// Call returns a script state entering the function at pc in thread t
// with args in the argument registers.
func (k *Kernel) Call(pc uint64, t *Thread, args ...uint64) hvtest.State {
	regs := map[hv.Register]uint64{hv.CR3: uint64(t.Proc.DTB)}
	for i, reg := range []hv.Register{hv.RCX, hv.RDX, hv.R8, hv.R9} {
		if i < len(args) {
			regs[reg] = args[i]
		}
	}
	return hvtest.State{PC: pc, Regs: regs, Do: func(*hvtest.Guest) { k.SetCurrent(t) }}
}

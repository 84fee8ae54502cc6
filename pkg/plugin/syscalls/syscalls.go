// Package syscalls traces the system calls of a guest process by setting a
// breakpoint on every system call stub of ntdll.
package syscalls

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/vmi/pkg/core"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/memory"
	"github.com/go-delve/vmi/pkg/metrics"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/state"
	"github.com/go-delve/vmi/pkg/symbols"
)

const (
	// Store is the symbol store holding the system call stubs.
	Store = "ntdll"

	// a stub loads its number within its first instructions:
	//	mov r10, rcx
	//	mov eax, imm32
	stubSize         = 32
	stubInstructions = 3

	// Offset, from the stack pointer at the stub entry, of the first
	// argument passed on the stack: return address and register home
	// area.
	stackArgsOffset = 0x28
)

// ErrNoStubs is returned by Setup when ntdll has no system call stub.
var ErrNoStubs = errors.New("no system call stub found in ntdll")

var registerArgs = [...]hv.Register{hv.RCX, hv.RDX, hv.R8, hv.R9}

// stubPrefixes name the system call stubs. Nt and Zw stubs of the same
// call share their code, the Nt name is kept.
var stubPrefixes = [...]string{"Nt", "Zw"}

// Record is one traced system call.
type Record struct {
	Ordinal uint64   `json:"ordinal"`
	PID     uint64   `json:"pid"`
	TID     uint64   `json:"tid"`
	Symbol  string   `json:"symbol"`
	Sysno   uint32   `json:"sysno"`
	Args    []uint64 `json:"args"`
}

type stub struct {
	name  string
	sysno uint32
}

// Plugin records the system calls made by one process.
type Plugin struct {
	// Fs is where Generate writes, the host filesystem by default.
	Fs afero.Fs

	t         hv.Transport
	os        osi.OS
	st        *state.Engine
	mem       *memory.Memory
	sym       *symbols.Engine
	stackArgs int
	metrics   *metrics.SyscallMetrics
	log       *logrus.Entry

	proc    osi.Process
	bps     []*state.Breakpoint
	records []Record
}

// New returns a tracer using the components of c.
func New(c *core.Core) *Plugin {
	m := c.Metrics.Syscall
	if m == nil {
		m = metrics.NewSyscallMetrics(nil)
	}
	return &Plugin{
		Fs:        afero.NewOsFs(),
		t:         c.Transport,
		os:        c.OS,
		st:        c.State,
		mem:       c.Mem,
		sym:       c.Symbols,
		stackArgs: c.Config.GetTraceStackArgs(),
		metrics:   m,
		log:       logflags.PluginLogger("syscalls"),
	}
}

// Setup sets a breakpoint, scoped to proc, on every system call stub of
// ntdll. The ntdll symbols must be loaded. Stubs that cannot be read or
// decoded are skipped.
func (p *Plugin) Setup(proc osi.Process) error {
	if _, ok := p.sym.Store(Store); !ok {
		return fmt.Errorf("symbols of %s not loaded", Store)
	}
	p.proc = proc
	seen := make(map[uint64]bool)
	var names []string
	for _, prefix := range stubPrefixes {
		names = append(names, p.sym.Symbols(Store, prefix)...)
	}
	for _, name := range names {
		addr, _ := p.sym.Symbol(Store, name)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		sysno, err := p.decodeStub(proc, addr)
		if err != nil {
			if errors.Is(err, hv.ErrTransportFailure) {
				return err
			}
			if logflags.Plugin() {
				p.log.Debugf("skipping %s!%s: %v", Store, name, err)
			}
			continue
		}
		s := &stub{name: name, sysno: sysno}
		bp, err := p.st.SetProcessBreakpoint(addr, proc.Scope(), func(*state.Hit) {
			p.record(s)
		})
		if err != nil {
			if errors.Is(err, state.ErrUnmappedBreakpoint) {
				p.log.Warnf("skipping %s!%s: %v", Store, name, err)
				continue
			}
			return err
		}
		bp.Name = Store + "!" + name
		p.bps = append(p.bps, bp)
	}
	p.metrics.Breakpoints.Set(float64(len(p.bps)))
	if len(p.bps) == 0 {
		return ErrNoStubs
	}
	p.log.Infof("tracing %d system calls", len(p.bps))
	return nil
}

// decodeStub returns the system call number loaded by the stub at addr.
func (p *Plugin) decodeStub(proc osi.Process, addr uint64) (uint32, error) {
	buf := make([]byte, stubSize)
	if err := p.mem.ReadVirtual(buf, proc.DTB, addr); err != nil {
		return 0, err
	}
	for i := 0; i < stubInstructions && len(buf) > 0; i++ {
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			return 0, err
		}
		if inst.Op == x86asm.MOV && inst.Args[0] == x86asm.EAX {
			if imm, ok := inst.Args[1].(x86asm.Imm); ok {
				return uint32(imm), nil
			}
		}
		buf = buf[inst.Len:]
	}
	return 0, errors.New("not a system call stub")
}

func (p *Plugin) record(s *stub) {
	rec := Record{Ordinal: uint64(len(p.records)), Symbol: s.name, Sysno: s.sysno}
	if proc, ok := p.os.ProcCurrent(); ok {
		rec.PID, _ = p.os.ProcID(proc)
		if thread, ok := p.os.ThreadCurrent(); ok {
			rec.TID, _ = p.os.ThreadID(proc, thread)
		}
	}
	for _, reg := range registerArgs {
		v, err := p.t.ReadRegister(reg)
		if err != nil {
			p.log.Errorf("%s: reading %v: %v", s.name, reg, err)
			return
		}
		rec.Args = append(rec.Args, v)
	}
	if p.stackArgs > 0 {
		rsp, err := p.t.ReadRegister(hv.RSP)
		if err != nil {
			p.log.Errorf("%s: reading rsp: %v", s.name, err)
			return
		}
		for i := 0; i < p.stackArgs; i++ {
			v, err := p.mem.ReadUint64(p.proc.DTB, rsp+stackArgsOffset+uint64(i)*8)
			if err != nil {
				p.metrics.ArgErrors.Inc()
				break
			}
			rec.Args = append(rec.Args, v)
		}
	}
	p.records = append(p.records, rec)
	p.metrics.Calls.WithLabelValues(s.name).Inc()
}

// Records returns the system calls traced so far.
func (p *Plugin) Records() []Record {
	return p.records
}

// Generate writes the traced system calls to path, one JSON object per
// line. The output is zstd compressed when path ends with ".zst".
func (p *Plugin) Generate(path string) (err error) {
	f, err := p.Fs.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		zw, zerr := zstd.NewWriter(f)
		if zerr != nil {
			return zerr
		}
		defer func() {
			if cerr := zw.Close(); err == nil {
				err = cerr
			}
		}()
		w = zw
	}
	return p.write(w)
}

func (p *Plugin) write(w io.Writer) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	for i := range p.records {
		if err := enc.Encode(&p.records[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close removes the breakpoints of the tracer. The guest must be paused.
func (p *Plugin) Close() error {
	var result *multierror.Error
	for _, bp := range p.bps {
		if err := p.st.RemoveBreakpoint(bp); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.bps = nil
	p.metrics.Breakpoints.Set(0)
	return result.ErrorOrNil()
}

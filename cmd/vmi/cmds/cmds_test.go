package cmds

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/vmi/pkg/config"
	"github.com/go-delve/vmi/pkg/core"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/osi/nt/nttest"
	"github.com/go-delve/vmi/pkg/pe/petest"
)

const userPC = 0x7ff612341000

type fixture struct {
	k       *nttest.Kernel
	notepad *nttest.Process
	th      *nttest.Thread
	c       *core.Core
}

func newFixture(t *testing.T) *fixture {
	k := nttest.New()
	f := &fixture{k: k}
	k.AddProcess("explorer.exe", 1000)
	f.notepad = k.AddProcess("notepad.exe", 2000)
	f.th = k.AddThread(f.notepad, 2004)
	// mov eax, 1
	f.notepad.Map(userPC&^0xfff, 0x1000, nil)
	k.G.Poke(f.notepad.DTB, userPC, []byte{0xb8, 0x01, 0x00, 0x00, 0x00})
	k.AddDriver(`\SystemRoot\System32\drivers\tcpip.sys`, nttest.KernelBase+0x100000, 0x2a000)
	k.SetCurrent(f.th)
	k.G.SetRegister(hv.RIP, userPC)

	cfg := &config.Config{SymbolPath: []string{nttest.SymbolPath}}
	c, err := core.Setup(k.G, core.Options{Family: osi.FamilyNT, Config: cfg, Fs: k.Fs})
	require.NoError(t, err)
	f.c = c
	return f
}

func TestPrintProcesses(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer
	require.NoError(t, printProcesses(&out, f.c))
	require.Contains(t, out.String(), "System")
	require.Contains(t, out.String(), "explorer.exe")
	require.Contains(t, out.String(), "notepad.exe")
	require.Contains(t, out.String(), "2000")
}

func TestPrintDrivers(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer
	require.NoError(t, printDrivers(&out, f.c))
	require.Contains(t, out.String(), "ntoskrnl.exe")
	require.Contains(t, out.String(), "tcpip.sys")
	require.Contains(t, out.String(), "168 KiB")
}

func TestFindProcess(t *testing.T) {
	f := newFixture(t)

	proc, err := findProcess(f.c, "notepad.exe")
	require.NoError(t, err)
	require.Equal(t, f.notepad.EPROCESS, proc.ID)

	proc, err = findProcess(f.c, "2000")
	require.NoError(t, err)
	require.Equal(t, f.notepad.EPROCESS, proc.ID)

	_, err = findProcess(f.c, "calc.exe")
	require.Error(t, err)
	_, err = findProcess(f.c, "3000")
	require.Error(t, err)
}

func TestPrintThreads(t *testing.T) {
	f := newFixture(t)
	proc, err := findProcess(f.c, "notepad.exe")
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, printThreads(&out, f.c, proc))
	require.Contains(t, out.String(), "2004")
	require.Contains(t, out.String(), "0x7ff612341000")
	require.Contains(t, out.String(), "mov eax, 0x1")
}

func TestLoadModuleSymbols(t *testing.T) {
	f := newFixture(t)
	const base = 0x7ffb20000000
	f.notepad.Map(base, 0x2000, (&petest.Image{ImageBase: base, SizeOfImage: 0x2000, PDBName: "nodebug.pdb"}).Build())
	f.k.AddModule(f.notepad, "nodebug.dll", base, 0x2000)
	proc, err := findProcess(f.c, "notepad.exe")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, loadModuleSymbols(&out, f.c, proc))
	require.Contains(t, out.String(), "warning: no symbols for nodebug.dll")

	out.Reset()
	f.k.G.Fail = errors.New("connection reset")
	err = loadModuleSymbols(&out, f.c, proc)
	require.ErrorIs(t, err, hv.ErrTransportFailure)
	require.Empty(t, out.String())
}

func TestRunScenario(t *testing.T) {
	f := newFixture(t)
	f.k.G.Script(
		f.k.At(nttest.SwapContext, f.th),
		f.k.At(nttest.NtClose, f.th),
		f.k.At(nttest.SwapContext, f.k.Idle),
	)

	var out bytes.Buffer
	sc := scenario{target: "notepad.exe", breaks: 2, callstacks: 3, syscalls: 10, output: "output.json"}
	require.NoError(t, runScenario(&out, f.c, sc))

	s := out.String()
	require.Contains(t, s, "tcpip.sys")
	require.Contains(t, s, "current thread: ")
	require.Contains(t, s, "mov eax, 0x1")
	require.Contains(t, s, "break: 0xfffff80000002000 nt!SwapContext notepad.exe pid:2000 tid:2004\n")
	require.Contains(t, s, "break: 0xfffff80000002000 nt!SwapContext System pid:4 tid:8\n")
	require.Contains(t, s, "ntdll!RtlAllocateHeap not found")
	require.Contains(t, s, "not tracing system calls")
	require.Empty(t, f.c.State.Breakpoints())
	require.NoError(t, f.c.Close())
}

func TestRunScenarioHalted(t *testing.T) {
	f := newFixture(t)
	f.k.G.Script(f.k.At(nttest.SwapContext, f.th))

	var out bytes.Buffer
	sc := scenario{target: "notepad.exe", breaks: 5}
	require.NoError(t, runScenario(&out, f.c, sc))
	require.Contains(t, out.String(), "guest halted")
	require.Empty(t, f.c.State.Breakpoints())
}

func TestRunScenarioMissingTarget(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer
	require.Error(t, runScenario(&out, f.c, scenario{target: "calc.exe"}))
}

func TestOverrideConfig(t *testing.T) {
	t.Setenv("VMI_CONFIG_DIR", t.TempDir())
	root := New()
	cmd, _, err := root.Find([]string{"trace"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"--symbol-path", "/a,/b", "--stack-args", "2"}))

	c := &config.Config{SymbolServer: "https://symbols.example.com"}
	overrideConfig(cmd.Flags(), c)
	require.Equal(t, []string{"/a", "/b"}, c.SymbolPath)
	require.Equal(t, "https://symbols.example.com", c.SymbolServer)
	require.Equal(t, 2, c.GetTraceStackArgs())
	require.Equal(t, config.DefaultCallstackDepth, c.GetCallstackDepth())
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("VMI_CONFIG_DIR", t.TempDir())
	var out bytes.Buffer
	root := New()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--save", "--symbol-path", "/srv/symbols", "--callstack-depth", "7"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "saved ")

	c := config.LoadConfig()
	require.Equal(t, []string{"/srv/symbols"}, c.SymbolPath)
	require.Equal(t, 7, c.GetCallstackDepth())

	out.Reset()
	root = New()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--symbol-server", "https://symbols.example.com"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "- /srv/symbols")
	require.Contains(t, out.String(), "callstack-depth: 7")
	require.Contains(t, out.String(), "symbol-server:")
	require.Contains(t, out.String(), "https://symbols.example.com")

	// printing does not save
	require.Empty(t, config.LoadConfig().SymbolServer)
}

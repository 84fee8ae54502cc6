package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/go-delve/vmi/pkg/callstack"
	"github.com/go-delve/vmi/pkg/core"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/plugin/syscalls"
	"github.com/go-delve/vmi/pkg/state"
)

// scenario configures runScenario.
type scenario struct {
	target     string
	breaks     int
	callstacks int
	syscalls   int
	output     string
}

// cont resumes the guest and waits for it n times.
func cont(c *core.Core, n int) error {
	for i := 0; i < n; i++ {
		if err := c.State.Resume(); err != nil {
			return err
		}
		if err := c.State.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// runScenario exercises every layer of the engine on the guest of c.
func runScenario(out io.Writer, c *core.Core, sc scenario) error {
	err := scenarioSteps(out, c, sc)
	if errors.Is(err, state.ErrGuestHalted) {
		fmt.Fprintln(out, "guest halted")
		return nil
	}
	return err
}

func scenarioSteps(out io.Writer, c *core.Core, sc scenario) error {
	fmt.Fprintln(out, "drivers:")
	if err := printDrivers(out, c); err != nil {
		return err
	}

	if proc, ok := c.OS.ProcCurrent(); ok {
		name, _ := c.OS.ProcName(proc)
		fmt.Fprintf(out, "current process: %#x %v %s\n", proc.ID, proc.DTB, name)
	}
	if thread, ok := c.OS.ThreadCurrent(); ok {
		fmt.Fprintf(out, "current thread: %#x\n", thread.ID)
	}

	fmt.Fprintln(out, "processes:")
	if err := printProcesses(out, c); err != nil {
		return err
	}

	target, err := findProcess(c, sc.target)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %#x %v\n", sc.target, target.ID, target.DTB)
	if err := c.OS.ProcJoin(target, osi.JoinAnyMode); err != nil {
		return err
	}
	if err := c.OS.ProcJoin(target, osi.JoinUserMode); err != nil {
		return err
	}

	if err := loadModuleSymbols(out, c, target); err != nil {
		return err
	}
	if err := printModules(out, c, target); err != nil {
		return err
	}
	if err := printThreads(out, c, target); err != nil {
		return err
	}

	if err := breakOnSwapContext(out, c, sc.breaks); err != nil {
		return err
	}
	if err := printCallstacks(out, c, target, sc.callstacks); err != nil {
		return err
	}
	return traceSyscalls(out, c, target, sc.syscalls, sc.output)
}

// breakOnSwapContext prints the thread scheduled by the first n context
// switches.
func breakOnSwapContext(out io.Writer, c *core.Core, n int) error {
	addr, ok := c.Symbols.Symbol("nt", "SwapContext")
	if !ok || n <= 0 {
		return nil
	}
	bp, err := c.State.SetBreakpoint(addr, func(h *state.Hit) {
		proc, ok := c.OS.ProcCurrent()
		if !ok {
			fmt.Fprintf(out, "break: %#x %s\n", h.Addr, location(c, h.Addr))
			return
		}
		name, _ := c.OS.ProcName(proc)
		pid, _ := c.OS.ProcID(proc)
		var tid uint64
		if thread, ok := c.OS.ThreadCurrent(); ok {
			tid, _ = c.OS.ThreadID(proc, thread)
		}
		fmt.Fprintf(out, "break: %#x %s %s pid:%d tid:%d\n", h.Addr, location(c, h.Addr), name, pid, tid)
	})
	if err != nil {
		return err
	}
	bp.Name = "nt!SwapContext"
	defer c.State.RemoveBreakpoint(bp)
	return cont(c, n)
}

// printCallstacks prints the call stack of the first n heap allocations of
// proc.
func printCallstacks(out io.Writer, c *core.Core, proc osi.Process, n int) error {
	addr, ok := c.Symbols.Symbol("ntdll", "RtlAllocateHeap")
	if !ok {
		fmt.Fprintln(out, "ntdll!RtlAllocateHeap not found, skipping call stacks")
		return nil
	}
	if n <= 0 {
		return nil
	}
	depth := c.Config.GetCallstackDepth()
	bp, err := c.State.SetProcessBreakpoint(addr, proc.Scope(), func(h *state.Hit) {
		var ctx callstack.Context
		for _, r := range []struct {
			reg hv.Register
			val *uint64
		}{{hv.RIP, &ctx.IP}, {hv.RSP, &ctx.SP}, {hv.RBP, &ctx.BP}} {
			v, err := c.Transport.ReadRegister(r.reg)
			if err != nil {
				fmt.Fprintf(out, "reading %v: %v\n", r.reg, err)
				return
			}
			*r.val = v
		}
		steps, err := c.Callstack.Stacktrace(proc, ctx, depth-1)
		for i, step := range steps {
			fmt.Fprintf(out, "%2d - %v\n", i, step)
		}
		if err != nil {
			fmt.Fprintf(out, "call stack truncated: %v\n", err)
		}
		fmt.Fprintln(out)
	})
	if err != nil {
		return err
	}
	bp.Name = "ntdll!RtlAllocateHeap"
	defer c.State.RemoveBreakpoint(bp)
	return cont(c, n)
}

// traceSyscalls records n system calls of proc and writes them to output.
func traceSyscalls(out io.Writer, c *core.Core, proc osi.Process, n int, output string) error {
	p := syscalls.New(c)
	if err := p.Setup(proc); err != nil {
		if errors.Is(err, hv.ErrTransportFailure) {
			return err
		}
		fmt.Fprintf(out, "not tracing system calls: %v\n", err)
		return nil
	}
	defer p.Close()
	fmt.Fprintln(out, "tracing system calls")
	err := cont(c, n)
	if gerr := p.Generate(output); gerr != nil && err == nil {
		err = gerr
	}
	fmt.Fprintf(out, "%d system calls written to %s\n", len(p.Records()), output)
	return err
}

func traceCmd(c *core.Core, arg string) error {
	logger := logflags.PluginLogger("syscalls")
	proc, err := findProcess(c, arg)
	if err != nil {
		return err
	}
	if err := c.OS.ProcJoin(proc, osi.JoinUserMode); err != nil {
		return err
	}
	if err := loadModuleSymbols(os.Stderr, c, proc); err != nil {
		return err
	}
	p := syscalls.New(c)
	if err := p.Setup(proc); err != nil {
		return err
	}

	var interrupted atomic.Bool
	sig := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			interrupted.Store(true)
			if err := c.Transport.Interrupt(); err != nil {
				logger.Errorf("interrupt: %v", err)
			}
		case <-done:
		}
	}()

	for !interrupted.Load() && (traceCount == 0 || len(p.Records()) < traceCount) {
		if err = cont(c, 1); err != nil {
			break
		}
	}
	close(done)
	if errors.Is(err, state.ErrGuestHalted) {
		err = nil
	}
	if err == nil {
		err = p.Generate(traceOutput)
	}
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	logger.Infof("%d system calls written to %s", len(p.Records()), traceOutput)
	return err
}

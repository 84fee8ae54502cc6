package cmds

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/vmi/pkg/core"
	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/symbols"
)

// maxInstructionLength is the longest x86-64 instruction.
const maxInstructionLength = 15

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

func printDrivers(out io.Writer, c *core.Core) error {
	table := newTable(out, "Driver", "Base", "Size")
	err := c.OS.DriverList(func(drv osi.Driver) guest.Walk {
		name, ok := c.OS.DriverName(drv)
		if !ok {
			name = "<noname>"
		}
		span, _ := c.OS.DriverSpan(drv)
		table.Append([]string{name, hex(span.Addr), humanize.IBytes(span.Size)})
		return guest.Next
	})
	if err != nil {
		return err
	}
	table.Render()
	return nil
}

func printProcesses(out io.Writer, c *core.Core) error {
	table := newTable(out, "PID", "Process", "DTB", "Threads")
	err := c.OS.ProcList(func(proc osi.Process) guest.Walk {
		name, ok := c.OS.ProcName(proc)
		if !ok {
			name = "<noname>"
		}
		pid, _ := c.OS.ProcID(proc)
		threads := 0
		c.OS.ThreadList(proc, func(osi.Thread) guest.Walk {
			threads++
			return guest.Next
		})
		table.Append([]string{strconv.FormatUint(pid, 10), name, hex(uint64(proc.DTB)), strconv.Itoa(threads)})
		return guest.Next
	})
	if err != nil {
		return err
	}
	table.Render()
	return nil
}

// findProcess returns the process named arg, or whose PID is arg.
func findProcess(c *core.Core, arg string) (osi.Process, error) {
	if proc, ok := c.OS.ProcFind(arg); ok {
		return proc, nil
	}
	pid, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return osi.Process{}, fmt.Errorf("process %q not found", arg)
	}
	var found *osi.Process
	err = c.OS.ProcList(func(proc osi.Process) guest.Walk {
		if id, ok := c.OS.ProcID(proc); ok && id == pid {
			found = &proc
			return guest.Stop
		}
		return guest.Next
	})
	if err != nil {
		return osi.Process{}, err
	}
	if found == nil {
		return osi.Process{}, fmt.Errorf("process %d not found", pid)
	}
	return *found, nil
}

// loadModuleSymbols loads the symbols of the modules of proc. Modules
// without symbols are reported and skipped, other errors are returned.
func loadModuleSymbols(out io.Writer, c *core.Core, proc osi.Process) error {
	err := c.LoadModuleSymbols(proc)
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return err
	}
	for _, err := range merr.Errors {
		fmt.Fprintf(out, "warning: no symbols for %v\n", err)
	}
	return nil
}

func printModules(out io.Writer, c *core.Core, proc osi.Process) error {
	table := newTable(out, "Module", "Base", "Size", "Symbols")
	err := c.OS.ModList(proc, func(mod osi.Module) guest.Walk {
		name, ok := c.OS.ModName(proc, mod)
		if !ok {
			return guest.Next
		}
		span, ok := c.OS.ModSpan(proc, mod)
		if !ok {
			return guest.Next
		}
		syms := "-"
		if store, ok := c.Symbols.Store(symbols.StoreName(name)); ok {
			syms = humanize.Comma(int64(store.Len()))
		}
		table.Append([]string{name, hex(span.Addr), humanize.IBytes(span.Size), syms})
		return guest.Next
	})
	if err != nil {
		return err
	}
	table.Render()
	return nil
}

func printThreads(out io.Writer, c *core.Core, proc osi.Process) error {
	table := newTable(out, "TID", "PC", "Location", "Instruction")
	err := c.OS.ThreadList(proc, func(thread osi.Thread) guest.Walk {
		tid, _ := c.OS.ThreadID(proc, thread)
		pc, ok := c.OS.ThreadPC(proc, thread)
		if !ok {
			table.Append([]string{strconv.FormatUint(tid, 10), "?", "", ""})
			return guest.Next
		}
		table.Append([]string{strconv.FormatUint(tid, 10), hex(pc), location(c, pc), disassemble(c, proc.DTB, pc)})
		return guest.Next
	})
	if err != nil {
		return err
	}
	table.Render()
	return nil
}

func location(c *core.Core, addr uint64) string {
	if cur, ok := c.Symbols.Find(addr); ok {
		return cur.String()
	}
	return ""
}

// disassemble returns the instruction at pc in dtb, in Intel syntax.
func disassemble(c *core.Core, dtb guest.DTB, pc uint64) string {
	buf := make([]byte, maxInstructionLength)
	n := len(buf)
	// the instruction can end before an unmapped page
	for n > 0 && c.Mem.ReadVirtual(buf[:n], dtb, pc) != nil {
		n--
	}
	if n == 0 {
		return "?"
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return "?"
	}
	return x86asm.IntelSyntax(inst, pc, func(addr uint64) (string, uint64) {
		cur, ok := c.Symbols.Find(addr)
		if !ok {
			return "", 0
		}
		return cur.Module + "!" + cur.Symbol, addr - cur.Offset
	})
}

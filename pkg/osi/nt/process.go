package nt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/state"
)

// imageFileNameSize is the size of EPROCESS.ImageFileName, including the
// terminating zero. Longer names are truncated.
const imageFileNameSize = 15

func (o *OS) process(eproc uint64) (osi.Process, error) {
	dtb, err := o.mem.ReadPointer(o.kernelDTB, eproc+o.off.KPROCESS.DirectoryTableBase)
	if err != nil {
		return osi.Process{}, err
	}
	return osi.Process{ID: eproc, DTB: guest.DTB(dtb)}, nil
}

// ProcList visits the processes linked from PsActiveProcessHead.
func (o *OS) ProcList(fn osi.ProcessVisitor) error {
	var ferr error
	err := o.walkList(o.kernelDTB, o.symbolsOf.activeProcessHead, func(entry uint64) guest.Walk {
		proc, err := o.process(entry - o.off.EPROCESS.ActiveProcessLinks)
		if err != nil {
			if errors.Is(err, hv.ErrTransportFailure) {
				ferr = err
				return guest.Stop
			}
			o.lookupError("reading process", err)
			return guest.Next
		}
		return fn(proc)
	})
	if ferr != nil {
		return ferr
	}
	return err
}

// ProcFind returns the first process whose name is name, compared case
// insensitively.
func (o *OS) ProcFind(name string) (osi.Process, bool) {
	var found osi.Process
	ok := false
	o.ProcList(func(proc osi.Process) guest.Walk {
		if got, _ := o.ProcName(proc); strings.EqualFold(got, name) {
			found, ok = proc, true
			return guest.Stop
		}
		return guest.Next
	})
	return found, ok
}

// ProcCurrent returns the process of the thread running on the current
// vCPU.
func (o *OS) ProcCurrent() (osi.Process, bool) {
	thread, ok := o.ThreadCurrent()
	if !ok {
		return osi.Process{}, false
	}
	return o.ThreadProc(thread)
}

// CurrentProcessID implements state.ProcessLocator.
func (o *OS) CurrentProcessID() (uint64, error) {
	thread, err := o.currentThread()
	if err != nil {
		return 0, err
	}
	eproc, err := o.mem.ReadPointer(o.kernelDTB, thread+o.off.KTHREAD.Process)
	if err != nil {
		return 0, err
	}
	return eproc, nil
}

// ProcName returns the image name of proc. The short name stored in the
// process is used unless it may have been truncated, in which case the
// base name of the full image path is returned.
func (o *OS) ProcName(proc osi.Process) (string, bool) {
	var buf [imageFileNameSize]byte
	if err := o.mem.ReadVirtual(buf[:], o.kernelDTB, proc.ID+o.off.EPROCESS.ImageFileName); err != nil {
		o.lookupError("reading process name", err)
		return "", false
	}
	short := string(buf[:])
	if i := strings.IndexByte(short, 0); i >= 0 {
		short = short[:i]
	}
	if len(short) < imageFileNameSize-1 {
		return short, true
	}
	if full, ok := o.processImagePath(proc); ok {
		if i := strings.LastIndexByte(full, '\\'); i >= 0 {
			full = full[i+1:]
		}
		if strings.HasPrefix(strings.ToLower(full), strings.ToLower(short)) {
			return full, true
		}
	}
	return short, true
}

// processImagePath reads the path of the image of proc from the audit
// information of the process (an OBJECT_NAME_INFORMATION).
func (o *OS) processImagePath(proc osi.Process) (string, bool) {
	info, err := o.mem.ReadPointer(o.kernelDTB, proc.ID+o.off.EPROCESS.SeAuditProcessCreationInfo)
	if err != nil || info == 0 {
		return "", false
	}
	path, err := o.readUnicodeString(o.kernelDTB, info)
	if err != nil {
		o.lookupError("reading process image path", err)
		return "", false
	}
	return path, true
}

// ProcID returns the process id of proc.
func (o *OS) ProcID(proc osi.Process) (uint64, bool) {
	pid, err := o.mem.ReadUint64(o.kernelDTB, proc.ID+o.off.EPROCESS.UniqueProcessId)
	if err != nil {
		o.lookupError("reading process id", err)
		return 0, false
	}
	return pid, true
}

// ProcJoin resumes the guest until a thread of proc is switched in. With
// JoinUserMode it then waits until the thread returns to user mode, by
// setting a breakpoint on the user instruction pointer saved in its trap
// frame. It returns immediately when proc is already running in the
// requested mode.
func (o *OS) ProcJoin(proc osi.Process, mode osi.JoinMode) error {
	if o.symbolsOf.swapContext == 0 {
		return &MissingSymbolError{"SwapContext"}
	}
	rejoin := false
	for {
		if cur, ok := o.ProcCurrent(); !ok || cur.ID != proc.ID || rejoin {
			if err := o.joinAny(proc); err != nil {
				return err
			}
		}
		if mode == osi.JoinAnyMode {
			return nil
		}
		rip, err := o.t.ReadRegister(hv.RIP)
		if err != nil {
			return hv.Failure("read rip", err)
		}
		if !guest.KernelAddr(rip) {
			return nil
		}
		rejoin = true
		thread, ok := o.ThreadCurrent()
		if !ok {
			continue
		}
		rip, ok = o.trapFrame(thread, o.off.KTRAP_FRAME.Rip)
		if !ok || rip == 0 || guest.KernelAddr(rip) {
			continue
		}
		joined, err := o.runUntil(rip, proc.Scope())
		if err != nil {
			return err
		}
		if joined {
			return nil
		}
	}
}

func (o *OS) joinAny(proc osi.Process) error {
	joined := false
	bp, err := o.st.SetBreakpoint(o.symbolsOf.swapContext, func(*state.Hit) {
		if cur, ok := o.ProcCurrent(); ok && cur.ID == proc.ID {
			joined = true
		}
	})
	if err != nil {
		return err
	}
	bp.Name = "nt!SwapContext"
	defer o.removeBreakpoint(bp)
	for !joined {
		if err := o.resumeWait(); err != nil {
			return err
		}
	}
	return nil
}

// runUntil resumes the guest until addr is executed in scope. It reports
// false when addr cannot be translated.
func (o *OS) runUntil(addr uint64, scope state.Scope) (bool, error) {
	hit := false
	bp, err := o.st.SetProcessBreakpoint(addr, scope, func(*state.Hit) { hit = true })
	if err != nil {
		if errors.Is(err, state.ErrUnmappedBreakpoint) {
			o.lookupError("joining user mode", err)
			return false, nil
		}
		return false, err
	}
	defer o.removeBreakpoint(bp)
	for !hit {
		if err := o.resumeWait(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (o *OS) resumeWait() error {
	if err := o.st.Resume(); err != nil {
		return err
	}
	return o.st.Wait()
}

func (o *OS) removeBreakpoint(bp *state.Breakpoint) {
	if bp.Removed() {
		return
	}
	if o.st.State() == state.Running {
		if err := o.st.Pause(); err != nil {
			o.log.Errorf("pausing guest: %v", err)
			return
		}
	}
	if err := o.st.RemoveBreakpoint(bp); err != nil {
		o.log.Errorf("removing %v: %v", bp, err)
	}
}

// ListenProcCreate sets a breakpoint on PspInsertProcess, whose first
// argument is the new process.
func (o *OS) ListenProcCreate(fn osi.ProcessCallback) (*state.Breakpoint, error) {
	return o.listenProcess("PspInsertProcess", o.symbolsOf.insertProcess, hv.RCX, fn)
}

// ListenProcDelete sets a breakpoint on PspExitProcess, whose second
// argument is the exiting process.
func (o *OS) ListenProcDelete(fn osi.ProcessCallback) (*state.Breakpoint, error) {
	return o.listenProcess("PspExitProcess", o.symbolsOf.exitProcess, hv.RDX, fn)
}

func (o *OS) listenProcess(name string, addr uint64, arg hv.Register, fn osi.ProcessCallback) (*state.Breakpoint, error) {
	if addr == 0 {
		return nil, &MissingSymbolError{name}
	}
	bp, err := o.st.SetBreakpoint(addr, func(*state.Hit) {
		eproc, err := o.t.ReadRegister(arg)
		if err != nil {
			o.lookupError(fmt.Sprintf("reading %v in %s", arg, name), err)
			return
		}
		proc, err := o.process(eproc)
		if err != nil {
			o.lookupError(name, err)
			return
		}
		fn(proc)
	})
	if err != nil {
		return nil, err
	}
	bp.Name = KernelStore + "!" + name
	return bp, nil
}

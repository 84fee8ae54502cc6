package nt

import (
	"errors"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/osi"
)

// currentThread returns the KTHREAD running on the current vCPU.
func (o *OS) currentThread() (uint64, error) {
	kpcr, err := o.kpcr()
	if err != nil {
		return 0, err
	}
	return o.mem.ReadPointer(o.kernelDTB, kpcr+o.off.KPCR.CurrentThread)
}

// ThreadList visits the threads linked from the thread list of proc.
func (o *OS) ThreadList(proc osi.Process, fn osi.ThreadVisitor) error {
	head := proc.ID + o.off.EPROCESS.ThreadListHead
	return o.walkList(o.kernelDTB, head, func(entry uint64) guest.Walk {
		return fn(osi.Thread{ID: entry - o.off.ETHREAD.ThreadListEntry})
	})
}

// ThreadCurrent returns the thread running on the current vCPU.
func (o *OS) ThreadCurrent() (osi.Thread, bool) {
	thread, err := o.currentThread()
	if err != nil {
		o.lookupError("reading current thread", err)
		return osi.Thread{}, false
	}
	if thread == 0 {
		return osi.Thread{}, false
	}
	return osi.Thread{ID: thread}, true
}

// ThreadProc returns the process owning thread.
func (o *OS) ThreadProc(thread osi.Thread) (osi.Process, bool) {
	eproc, err := o.mem.ReadPointer(o.kernelDTB, thread.ID+o.off.KTHREAD.Process)
	if err == nil {
		var proc osi.Process
		if proc, err = o.process(eproc); err == nil {
			return proc, true
		}
	}
	o.lookupError("reading thread process", err)
	return osi.Process{}, false
}

// ThreadPC returns the instruction pointer of thread: the current value
// for the running thread, the user mode value saved in the trap frame for
// the others.
func (o *OS) ThreadPC(proc osi.Process, thread osi.Thread) (uint64, bool) {
	if cur, err := o.currentThread(); err == nil && cur == thread.ID {
		rip, err := o.t.ReadRegister(hv.RIP)
		if err != nil {
			o.lookupError("reading rip", hv.Failure("read rip", err))
			return 0, false
		}
		return rip, true
	}
	return o.trapFrame(thread, o.off.KTRAP_FRAME.Rip)
}

// trapFrame reads the field at off of the trap frame of thread.
func (o *OS) trapFrame(thread osi.Thread, off uint64) (uint64, bool) {
	frame, err := o.mem.ReadPointer(o.kernelDTB, thread.ID+o.off.KTHREAD.TrapFrame)
	if err == nil && frame == 0 {
		err = errors.New("no trap frame")
	}
	if err == nil {
		var v uint64
		if v, err = o.mem.ReadUint64(o.kernelDTB, frame+off); err == nil {
			return v, true
		}
	}
	o.lookupError("reading trap frame", err)
	return 0, false
}

// ThreadContext returns the instruction, stack and frame pointers of
// thread, read from the registers for the running thread and from the trap
// frame for the others.
func (o *OS) ThreadContext(thread osi.Thread) (ip, sp, bp uint64, ok bool) {
	if cur, err := o.currentThread(); err == nil && cur == thread.ID {
		regs := [3]uint64{}
		for i, reg := range []hv.Register{hv.RIP, hv.RSP, hv.RBP} {
			v, err := o.t.ReadRegister(reg)
			if err != nil {
				o.lookupError("reading registers", hv.Failure("read "+reg.String(), err))
				return 0, 0, 0, false
			}
			regs[i] = v
		}
		return regs[0], regs[1], regs[2], true
	}
	if ip, ok = o.trapFrame(thread, o.off.KTRAP_FRAME.Rip); !ok {
		return
	}
	if sp, ok = o.trapFrame(thread, o.off.KTRAP_FRAME.Rsp); !ok {
		return
	}
	bp, ok = o.trapFrame(thread, o.off.KTRAP_FRAME.Rbp)
	return
}

// ThreadID returns the thread id of thread.
func (o *OS) ThreadID(proc osi.Process, thread osi.Thread) (uint64, bool) {
	tid, err := o.mem.ReadUint64(o.kernelDTB, thread.ID+o.off.ETHREAD.UniqueThread)
	if err != nil {
		o.lookupError("reading thread id", err)
		return 0, false
	}
	return tid, true
}

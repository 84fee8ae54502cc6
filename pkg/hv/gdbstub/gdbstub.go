// Package gdbstub implements hv.Transport on top of the gdb stub of QEMU.
//
// The stub is driven with the Gdb Remote Serial Protocol, see
// https://sourceware.org/gdb/onlinedocs/gdb/Remote-Protocol.html. Memory
// packets are switched to physical addresses with the QEMU specific
// Qqemu.PhyMemMode packet. When the guest RAM is backed by a shared file
// (-object memory-backend-file,share=on) physical memory can instead be
// accessed directly by mapping that file.
package gdbstub

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/logflags"
)

// DefaultLowMemory is the size of the RAM mapped below 4GiB by the QEMU q35
// machine when the guest has more than 2.75GiB of RAM.
const DefaultLowMemory = 0x80000000

const highMemoryBase = 1 << 32

// Options configures a Stub.
type Options struct {
	// PhysicalMemory is the path of the file backing the guest RAM, empty
	// to access memory through the stub.
	PhysicalMemory string
	// LowMemory is the amount of RAM mapped below 4GiB, the rest of the
	// backing file is mapped at 4GiB. DefaultLowMemory when zero.
	LowMemory uint64
	// Timeout bounds the connection handshake.
	Timeout time.Duration
}

// Stub is a connection to a gdb stub.
type Stub struct {
	conn *gdbConn
	regs map[hv.Register]gdbRegisterInfo
	bps  map[uint64]int

	phys      *physMap
	closePhys func() error

	// pending is the stop consumed by Pause, it is reported by the next
	// Wait.
	pending *stopPacket

	log *logrus.Entry
}

var _ hv.Transport = (*Stub)(nil)

// Dial connects to the stub listening at addr.
func Dial(addr string, opts Options) (*Stub, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout(opts))
	if err != nil {
		return nil, err
	}
	return Connect(conn, opts)
}

func dialTimeout(opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return 10 * time.Second
}

// Connect performs the handshake with the stub on the other end of conn.
// The guest is left in the state it is in, QEMU stops it when a debugger
// attaches.
func Connect(conn net.Conn, opts Options) (*Stub, error) {
	s := &Stub{
		conn: newConn(conn),
		regs: make(map[hv.Register]gdbRegisterInfo),
		bps:  make(map[uint64]int),
		log:  logflags.GdbWireLogger(),
	}
	s.conn.setDeadline(opts.Timeout)
	if err := s.conn.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	s.conn.setDeadline(0)

	for _, reg := range hv.Registers() {
		if info, ok := s.conn.register(reg.String()); ok {
			s.regs[reg] = info
		}
	}

	if opts.PhysicalMemory != "" {
		data, unmap, err := mapPhysical(opts.PhysicalMemory)
		if err != nil {
			s.conn.detach()
			return nil, fmt.Errorf("mapping guest memory: %w", err)
		}
		low := opts.LowMemory
		if low == 0 {
			low = DefaultLowMemory
		}
		s.phys = &physMap{data: data, low: low}
		s.closePhys = unmap
	}
	return s, nil
}

// physMap is the guest RAM mapped from its backing file.
type physMap struct {
	data []byte
	low  uint64
}

// slice returns the n bytes of RAM at pa.
func (m *physMap) slice(pa uint64, n int) ([]byte, bool) {
	size := uint64(len(m.data))
	off := pa
	switch {
	case pa < m.low:
		if pa+uint64(n) > m.low || pa+uint64(n) > size {
			return nil, false
		}
	case pa >= highMemoryBase && size > m.low:
		off = m.low + pa - highMemoryBase
		if off+uint64(n) > size {
			return nil, false
		}
	default:
		return nil, false
	}
	return m.data[off : off+uint64(n)], true
}

func (s *Stub) ReadPhysical(buf []byte, pa uint64) error {
	if s.phys != nil {
		src, ok := s.phys.slice(pa, len(buf))
		if !ok {
			return fmt.Errorf("%w: %#x", hv.ErrNoMemory, pa)
		}
		copy(buf, src)
		return nil
	}
	if err := s.conn.readMemory(buf, pa); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return fmt.Errorf("%w: %#x: %v", hv.ErrNoMemory, pa, err)
		}
		return hv.Failure("read memory", err)
	}
	return nil
}

func (s *Stub) WritePhysical(buf []byte, pa uint64) error {
	if s.phys != nil {
		dst, ok := s.phys.slice(pa, len(buf))
		if !ok {
			return fmt.Errorf("%w: %#x", hv.ErrNoMemory, pa)
		}
		copy(dst, buf)
		return nil
	}
	if err := s.conn.writeMemory(pa, buf); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return fmt.Errorf("%w: %#x: %v", hv.ErrNoMemory, pa, err)
		}
		return hv.Failure("write memory", err)
	}
	return nil
}

func (s *Stub) register(reg hv.Register) (gdbRegisterInfo, error) {
	info, ok := s.regs[reg]
	if !ok {
		return info, fmt.Errorf("register %v not described by the stub", reg)
	}
	return info, nil
}

func (s *Stub) ReadRegister(reg hv.Register) (uint64, error) {
	info, err := s.register(reg)
	if err != nil {
		return 0, err
	}
	v, err := s.conn.readRegister(info)
	if err != nil {
		return 0, hv.Failure("read register", err)
	}
	return v, nil
}

func (s *Stub) WriteRegister(reg hv.Register, val uint64) error {
	info, err := s.register(reg)
	if err != nil {
		return err
	}
	if err := s.conn.writeRegister(info, val); err != nil {
		return hv.Failure("write register", err)
	}
	return nil
}

// SetBreakpoint inserts a software breakpoint at bp.Virt. The stub knows
// nothing about address spaces, traps set in several address spaces at the
// same virtual address share the stub breakpoint.
func (s *Stub) SetBreakpoint(bp hv.Breakpoint) error {
	if s.bps[bp.Virt] == 0 {
		if err := s.conn.setBreakpoint(bp.Virt); err != nil {
			return hv.Failure("set breakpoint", err)
		}
	}
	s.bps[bp.Virt]++
	return nil
}

func (s *Stub) ClearBreakpoint(bp hv.Breakpoint) error {
	n, ok := s.bps[bp.Virt]
	if !ok {
		return fmt.Errorf("no breakpoint at %#x", bp.Virt)
	}
	if n == 1 {
		if err := s.conn.clearBreakpoint(bp.Virt); err != nil {
			return hv.Failure("clear breakpoint", err)
		}
		delete(s.bps, bp.Virt)
		return nil
	}
	s.bps[bp.Virt] = n - 1
	return nil
}

// Pause stops the guest and reads the stop reply, the next Wait reports
// it as hv.EventInterrupt unless the guest is resumed first. It does
// nothing if the guest is not running. Pause must not be called while a
// Wait is in progress, use Interrupt instead.
func (s *Stub) Pause() error {
	sent, err := s.conn.interrupt()
	if err != nil {
		return hv.Failure("interrupt", err)
	}
	if !sent {
		return nil
	}
	sp, err := s.conn.waitForStop("interrupt")
	if err != nil {
		return hv.Failure("interrupt", err)
	}
	if sp.exited {
		return hv.Failure("interrupt", errors.New("guest exited"))
	}
	s.pending = &sp
	return s.selectStopped(sp)
}

// Interrupt sends a ctrl-C to the guest without reading the reply, which
// is left to Wait. It is safe to call from any goroutine.
func (s *Stub) Interrupt() error {
	if err := s.conn.requestStop(); err != nil {
		return hv.Failure("interrupt", err)
	}
	return nil
}

func (s *Stub) Resume() error {
	s.pending = nil
	if err := s.conn.resume(); err != nil {
		return hv.Failure("resume", err)
	}
	return nil
}

func (s *Stub) Step() error {
	sp, err := s.conn.step()
	if err != nil {
		return hv.Failure("step", err)
	}
	if sp.exited {
		return hv.Failure("step", errors.New("guest exited"))
	}
	return s.selectStopped(sp)
}

func (s *Stub) Wait() (hv.Event, error) {
	pending := s.pending
	s.pending = nil

	var sp stopPacket
	if pending != nil {
		sp = *pending
	} else {
		var err error
		sp, err = s.conn.waitForStop("wait")
		if err != nil {
			return hv.Event{}, hv.Failure("wait", err)
		}
	}
	if sp.exited {
		return hv.Event{Kind: hv.EventHalt}, nil
	}
	if err := s.selectStopped(sp); err != nil {
		return hv.Event{}, err
	}
	ev := hv.Event{Kind: hv.EventTrap, VCPU: vcpu(sp.threadID)}
	if sp.interrupted || sp.sig != breakpointSignal {
		ev.Kind = hv.EventInterrupt
	}
	pc, err := s.ReadRegister(hv.RIP)
	if err != nil {
		return hv.Event{}, err
	}
	ev.PC = pc
	if logflags.GdbWire() {
		s.log.Debugf("stopped: %v on vcpu %d at %#x", ev.Kind, ev.VCPU, ev.PC)
	}
	return ev, nil
}

// selectStopped makes the vCPU that reported sp the target of register
// accesses.
func (s *Stub) selectStopped(sp stopPacket) error {
	if sp.threadID == "" {
		return nil
	}
	if err := s.conn.selectThread(sp.threadID); err != nil {
		return hv.Failure("select thread", err)
	}
	return nil
}

// vcpu returns the index of the vCPU of a thread id, "p1.2" or "2" are the
// second vCPU.
func vcpu(threadID string) int {
	if dot := strings.Index(threadID, "."); dot >= 0 {
		threadID = threadID[dot+1:]
	}
	n, err := strconv.ParseUint(threadID, 16, 32)
	if err != nil || n == 0 {
		return 0
	}
	return int(n) - 1
}

// Close removes the breakpoints set through s, detaches from the stub and
// unmaps the guest memory. The guest keeps running.
func (s *Stub) Close() error {
	for addr := range s.bps {
		if err := s.conn.clearBreakpoint(addr); err != nil {
			s.log.Warnf("clearing breakpoint at %#x: %v", addr, err)
		}
	}
	s.bps = map[uint64]int{}
	err := s.conn.detach()
	if s.closePhys != nil {
		if uerr := s.closePhys(); err == nil {
			err = uerr
		}
		s.phys = nil
		s.closePhys = nil
	}
	return err
}

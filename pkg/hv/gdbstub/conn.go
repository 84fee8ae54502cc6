package gdbstub

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-delve/vmi/pkg/logflags"
)

const (
	gdbWireMaxLen = 120

	maxTransmitAttempts = 3

	interruptSignal  = 0x2
	breakpointSignal = 0x5

	ctrlC = 0x03
)

type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf    []byte
	outbuf   bytes.Buffer
	framebuf []byte

	manualStopMutex sync.Mutex
	running         bool
	interrupted     bool
	// stopRequested is a ctrl-C requested while the guest was stopped, it
	// is sent after the next resume.
	stopRequested bool

	packetSize int               // largest packet the stub accepts
	regsInfo   []gdbRegisterInfo // registers described by target.xml
	threadID   string            // vCPU of register accesses

	ack bool // acknowledgments enabled

	log *logrus.Entry
}

// ErrTooManyAttempts is returned when the stub keeps sending packets with a
// bad checksum.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ProtocolError is an error reply (Exx) of the stub, or an empty reply to
// a packet it does not support.
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.unsupported() {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func (err *ProtocolError) unsupported() bool { return err.code == "" }

func newConn(c net.Conn) *gdbConn {
	return &gdbConn{conn: c, log: logflags.GdbWireLogger()}
}

func (conn *gdbConn) handshake() error {
	conn.ack = true
	conn.packetSize = 256
	conn.rdr = bufio.NewReader(conn.conn)

	// QEMU waits for an ack before talking.
	conn.sendack(true)

	_, err := conn.exec([]byte("QStartNoAckMode"), "init")
	var perr *ProtocolError
	switch {
	case err == nil:
		conn.ack = false
	case errors.As(err, &perr) && perr.unsupported():
	default:
		return err
	}

	features, err := conn.exec([]byte("qSupported:swbreak+;hwbreak+;xmlRegisters=i386"), "init")
	if err != nil {
		return err
	}
	for _, feat := range strings.Split(string(features), ";") {
		if v, ok := strings.CutPrefix(feat, "PacketSize="); ok {
			if n, err := strconv.ParseUint(v, 16, 32); err == nil {
				conn.packetSize = int(n)
			}
		}
	}

	if err := conn.loadRegisters(); err != nil {
		return err
	}
	// m and M address guest physical memory
	if _, err := conn.exec([]byte("Qqemu.PhyMemMode:1"), "init"); err != nil {
		return err
	}
	return conn.selectThread("")
}

// gdbTarget is the document returned for target.xml and the files it
// includes.
type gdbTarget struct {
	Includes []struct {
		Href string `xml:"href,attr"`
	} `xml:"xi include"`
	Features []struct {
		Registers []gdbRegisterInfo `xml:"reg"`
	} `xml:"feature"`
	Registers []gdbRegisterInfo `xml:"reg"`
}

type gdbRegisterInfo struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Regnum  int    `xml:"regnum,attr"`
}

// loadRegisters fills regsInfo from target.xml. Registers without a
// regnum attribute follow the previous one.
func (conn *gdbConn) loadRegisters() error {
	regs, err := conn.targetRegisters("target.xml")
	if err != nil {
		return err
	}
	next := 0
	for i := range regs {
		if regs[i].Regnum == 0 {
			regs[i].Regnum = next
		}
		next = regs[i].Regnum + 1
	}
	conn.regsInfo = regs
	for _, name := range []string{"rip", "rsp"} {
		if _, ok := conn.register(name); !ok {
			return fmt.Errorf("target description has no %s register", name)
		}
	}
	return nil
}

func (conn *gdbConn) targetRegisters(annex string) ([]gdbRegisterInfo, error) {
	doc, err := conn.qXfer("features", annex)
	if err != nil {
		return nil, err
	}
	var tgt gdbTarget
	if err := xml.Unmarshal(doc, &tgt); err != nil {
		return nil, fmt.Errorf("%s: %w", annex, err)
	}
	regs := tgt.Registers
	for _, feat := range tgt.Features {
		regs = append(regs, feat.Registers...)
	}
	for _, incl := range tgt.Includes {
		more, err := conn.targetRegisters(incl.Href)
		if err != nil {
			return nil, err
		}
		regs = append(regs, more...)
	}
	return regs, nil
}

// qXfer reads the whole of an object, one 'm' chunk at a time until the
// stub answers with 'l'.
func (conn *gdbConn) qXfer(kind, annex string) ([]byte, error) {
	var out []byte
	for {
		cmd := fmt.Appendf(nil, "qXfer:%s:read:%s:%x,fff", kind, annex, len(out))
		if err := conn.send(cmd); err != nil {
			return nil, err
		}
		resp, err := conn.recv(cmd, "target features transfer", false)
		if err != nil {
			return nil, err
		}
		out = append(out, resp[1:]...)
		if resp[0] == 'l' {
			return out, nil
		}
	}
}

func (conn *gdbConn) register(name string) (gdbRegisterInfo, bool) {
	for _, reg := range conn.regsInfo {
		if reg.Name == name {
			return reg, true
		}
	}
	return gdbRegisterInfo{}, false
}

// command formats a packet into outbuf and executes it.
func (conn *gdbConn) command(context, format string, args ...any) ([]byte, error) {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, format, args...)
	return conn.exec(conn.outbuf.Bytes(), context)
}

// Software breakpoints of kind 1, the int3 length.

func (conn *gdbConn) setBreakpoint(addr uint64) error {
	_, err := conn.command("set breakpoint", "Z0,%x,1", addr)
	return err
}

func (conn *gdbConn) clearBreakpoint(addr uint64) error {
	_, err := conn.command("clear breakpoint", "z0,%x,1", addr)
	return err
}

// detach lets the guest run free and closes the connection. It is a no-op
// once detached.
func (conn *gdbConn) detach() error {
	if conn.conn == nil {
		return nil
	}
	_, err := conn.exec([]byte("D"), "detach")
	conn.conn.Close()
	conn.conn = nil
	return err
}

func (conn *gdbConn) readRegister(reg gdbRegisterInfo) (uint64, error) {
	resp, err := conn.command("register read", "p%x", reg.Regnum)
	if err != nil {
		return 0, err
	}
	var data [8]byte
	// Unavailable registers read as "xx" and decode to zero.
	hex.Decode(data[:], resp[:min(len(resp), 2*len(data))])
	return binary.LittleEndian.Uint64(data[:]), nil
}

func (conn *gdbConn) writeRegister(reg gdbRegisterInfo, val uint64) error {
	size := reg.Bitsize / 8
	if size <= 0 || size > 8 {
		size = 8
	}
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], val)
	_, err := conn.command("register write", "P%x=%s", reg.Regnum, hex.EncodeToString(data[:size]))
	return err
}

// selectThread directs register accesses to threadID, the first vCPU
// when threadID is empty.
func (conn *gdbConn) selectThread(threadID string) error {
	if threadID == "" {
		threadID = "0"
	}
	if threadID == conn.threadID {
		return nil
	}
	if _, err := conn.command("select thread", "Hg%s", threadID); err != nil {
		return err
	}
	conn.threadID = threadID
	return nil
}

// resume continues every vCPU without waiting for the guest to stop.
func (conn *gdbConn) resume() error {
	conn.manualStopMutex.Lock()
	defer conn.manualStopMutex.Unlock()
	if err := conn.send([]byte("vCont;c")); err != nil {
		return err
	}
	conn.running = true
	conn.interrupted = false
	if conn.stopRequested {
		conn.stopRequested = false
		conn.interrupted = true
		return conn.sendCtrlC()
	}
	return nil
}

// step single steps the selected vCPU and waits for it to stop.
func (conn *gdbConn) step() (stopPacket, error) {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "vCont;s:%s", conn.threadID)
	if err := conn.send(conn.outbuf.Bytes()); err != nil {
		return stopPacket{}, err
	}
	return conn.waitForStop("singlestep")
}

// interrupt stops a running guest with a ctrl-C. It reports whether the
// guest was running.
func (conn *gdbConn) interrupt() (bool, error) {
	conn.manualStopMutex.Lock()
	defer conn.manualStopMutex.Unlock()
	if !conn.running {
		return false, nil
	}
	if conn.interrupted {
		return true, nil
	}
	conn.interrupted = true
	return true, conn.sendCtrlC()
}

// requestStop sends a ctrl-C to a running guest, or remembers it for the
// next resume. It never reads from the connection, the stop is consumed by
// the goroutine waiting for it.
func (conn *gdbConn) requestStop() error {
	conn.manualStopMutex.Lock()
	defer conn.manualStopMutex.Unlock()
	if !conn.running {
		conn.stopRequested = true
		return nil
	}
	if conn.interrupted {
		return nil
	}
	conn.interrupted = true
	return conn.sendCtrlC()
}

// waitForStop reads packets until the stub reports a stop.
func (conn *gdbConn) waitForStop(context string) (stopPacket, error) {
	for {
		resp, err := conn.recv(nil, context, true)
		if err != nil {
			return stopPacket{}, err
		}
		sp, skip, err := parseStopPacket(resp)
		if skip {
			continue
		}
		conn.manualStopMutex.Lock()
		conn.running = false
		sp.interrupted = conn.interrupted && sp.sig == interruptSignal
		conn.interrupted = false
		conn.manualStopMutex.Unlock()
		return sp, err
	}
}

type stopPacket struct {
	threadID    string
	sig         uint8
	exited      bool
	interrupted bool
}

func (conn *gdbConn) sendCtrlC() error {
	conn.log.Debug("<- ^C")
	_, err := conn.conn.Write([]byte{ctrlC})
	return err
}

// readMemory fills data from addr, split in packets the stub can answer.
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	chunk := (conn.packetSize - 4) / 2
	for off := 0; off < len(data); off += chunk {
		n := min(chunk, len(data)-off)
		at := addr + uint64(off)
		resp, err := conn.command("memory read", "m%x,%x", at, n)
		if err != nil {
			return err
		}
		if len(resp) != 2*n {
			return fmt.Errorf("short memory read at %#x: %d bytes", at, len(resp)/2)
		}
		if _, err := hex.Decode(data[off:off+n], resp); err != nil {
			return fmt.Errorf("memory read at %#x: %w", at, err)
		}
	}
	return nil
}

func (conn *gdbConn) writeMemory(addr uint64, data []byte) error {
	chunk := (conn.packetSize - 32) / 2
	for off := 0; off < len(data); off += chunk {
		n := min(chunk, len(data)-off)
		at := addr + uint64(off)
		if _, err := conn.command("memory write", "M%x,%x:%s", at, n, hex.EncodeToString(data[off:off+n])); err != nil {
			return err
		}
	}
	return nil
}

// exec sends cmd and returns the reply payload, which is only valid until
// the next exchange.
func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context, true)
}

func (conn *gdbConn) logPacket(dir string, pkt []byte) {
	if !logflags.GdbWire() {
		return
	}
	if len(pkt) > gdbWireMaxLen {
		conn.log.Debugf("%s %s...", dir, pkt[:gdbWireMaxLen])
		return
	}
	conn.log.Debugf("%s %s", dir, pkt)
}

// send writes payload as a packet, retransmitting it while the stub
// answers with a nack.
func (conn *gdbConn) send(payload []byte) error {
	conn.framebuf = frame(conn.framebuf[:0], payload)
	for attempt := 0; ; attempt++ {
		conn.logPacket("<-", conn.framebuf)
		if _, err := conn.conn.Write(conn.framebuf); err != nil {
			return err
		}
		if !conn.ack || conn.readack() {
			return nil
		}
		if attempt == maxTransmitAttempts {
			return ErrTooManyAttempts
		}
	}
}

// recv reads the next packet and returns its decoded payload. Error and
// empty replies are returned as a *ProtocolError naming cmd.
func (conn *gdbConn) recv(cmd []byte, context string, rle bool) ([]byte, error) {
	var pkt []byte
	for attempt := 0; ; {
		var err error
		pkt, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		// acks and stray bytes may precede the packet
		if i := bytes.IndexAny(pkt, "$%"); i > 0 {
			pkt = pkt[i:]
		}
		var digits [2]byte
		if _, err := io.ReadFull(conn.rdr, digits[:]); err != nil {
			return nil, err
		}
		conn.logPacket("->", pkt)

		if pkt[0] == '%' {
			// notifications are never enabled
			continue
		}
		if !conn.ack {
			break
		}
		if validChecksum(pkt, digits[:]) {
			conn.sendack(true)
			break
		}
		if attempt == maxTransmitAttempts {
			conn.sendack(true)
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack(false)
	}

	conn.inbuf = unframe(conn.inbuf, pkt, rle)
	resp := conn.inbuf
	if len(resp) == 0 || resp[0] == 'E' {
		return nil, &ProtocolError{context: context, cmd: string(cmd), code: string(resp)}
	}
	return resp, nil
}

// readack reports whether the stub acknowledged the last packet.
func (conn *gdbConn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %c", b)
	return b == '+'
}

func (conn *gdbConn) sendack(ok bool) {
	c := byte('-')
	if ok {
		c = '+'
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %c", c)
}

// setDeadline bounds the next exchanges when d is positive.
func (conn *gdbConn) setDeadline(d time.Duration) {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	conn.conn.SetDeadline(t)
}

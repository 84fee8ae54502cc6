// Package pe reads the headers of PE images mapped in guest memory and
// extracts the CodeView record that identifies their symbol store.
//
// Every value read from the image is untrusted: offsets and sizes are
// checked against the image span before they are followed.
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
)

const (
	dosMagic     = 0x5a4d // MZ
	ntSignature  = 0x00004550
	lfanewOffset = 0x3c

	// maxHeaderOffset bounds e_lfanew, real images keep the NT headers in
	// the first page.
	maxHeaderOffset = 0x1000
)

// ErrMalformed is matched by every error caused by an image whose headers
// are invalid, truncated or not readable. It is recoverable, the caller
// skips the module.
var ErrMalformed = errors.New("malformed binary")

func malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrMalformed}, args...)...)
}

// readErr converts a failed read of the image into ErrMalformed, transport
// failures are returned unchanged.
func readErr(what string, addr uint64, err error) error {
	if errors.Is(err, hv.ErrTransportFailure) {
		return err
	}
	return fmt.Errorf("%w: reading %s at %#x: %v", ErrMalformed, what, addr, err)
}

// readStruct decodes the little endian structure data from addr.
func readStruct(r io.ReaderAt, addr uint64, data interface{}, what string) error {
	buf := make([]byte, binary.Size(data))
	if _, err := r.ReadAt(buf, int64(addr)); err != nil {
		return readErr(what, addr, err)
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, data)
}

// Header is the subset of the PE headers needed to introspect a mapped
// image.
type Header struct {
	Base             uint64
	Machine          uint16
	Magic            uint16
	NumberOfSections uint16
	ImageBase        uint64
	SizeOfImage      uint32
	Directories      []pe.DataDirectory
}

// ReadHeader reads and validates the headers of the image mapped at
// span.Addr.
func ReadHeader(r io.ReaderAt, span guest.Span) (*Header, error) {
	var dos [0x40]byte
	if _, err := r.ReadAt(dos[:], int64(span.Addr)); err != nil {
		return nil, readErr("dos header", span.Addr, err)
	}
	if binary.LittleEndian.Uint16(dos[:]) != dosMagic {
		return nil, malformedf("bad dos magic at %#x", span.Addr)
	}
	lfanew := binary.LittleEndian.Uint32(dos[lfanewOffset:])
	if lfanew < uint32(len(dos)) || lfanew > maxHeaderOffset-4 {
		return nil, malformedf("bad nt header offset %#x", lfanew)
	}

	ntAddr := span.Addr + uint64(lfanew)
	var nt [4 + 20 + 2]byte
	if _, err := r.ReadAt(nt[:], int64(ntAddr)); err != nil {
		return nil, readErr("nt header", ntAddr, err)
	}
	if binary.LittleEndian.Uint32(nt[:]) != ntSignature {
		return nil, malformedf("bad nt signature at %#x", ntAddr)
	}
	var fh pe.FileHeader
	if err := binary.Read(bytes.NewReader(nt[4:24]), binary.LittleEndian, &fh); err != nil {
		return nil, malformedf("file header: %v", err)
	}

	h := &Header{
		Base:             span.Addr,
		Machine:          fh.Machine,
		Magic:            binary.LittleEndian.Uint16(nt[24:]),
		NumberOfSections: fh.NumberOfSections,
	}

	optAddr := ntAddr + 4 + 20
	var numDirs uint32
	var dirs [16]pe.DataDirectory
	switch h.Magic {
	case 0x20b:
		var oh pe.OptionalHeader64
		if uint64(fh.SizeOfOptionalHeader) < uint64(binary.Size(oh))-uint64(binary.Size(dirs)) {
			return nil, malformedf("optional header too small (%#x)", fh.SizeOfOptionalHeader)
		}
		if err := readStruct(r, optAddr, &oh, "optional header"); err != nil {
			return nil, err
		}
		h.ImageBase, h.SizeOfImage, numDirs, dirs = oh.ImageBase, oh.SizeOfImage, oh.NumberOfRvaAndSizes, oh.DataDirectory
	case 0x10b:
		var oh pe.OptionalHeader32
		if uint64(fh.SizeOfOptionalHeader) < uint64(binary.Size(oh))-uint64(binary.Size(dirs)) {
			return nil, malformedf("optional header too small (%#x)", fh.SizeOfOptionalHeader)
		}
		if err := readStruct(r, optAddr, &oh, "optional header"); err != nil {
			return nil, err
		}
		h.ImageBase, h.SizeOfImage, numDirs, dirs = uint64(oh.ImageBase), oh.SizeOfImage, oh.NumberOfRvaAndSizes, oh.DataDirectory
	default:
		return nil, malformedf("unknown optional header magic %#x", h.Magic)
	}
	if numDirs > uint32(len(dirs)) {
		numDirs = uint32(len(dirs))
	}
	h.Directories = dirs[:numDirs]
	return h, nil
}

// Directory returns the absolute span of the data directory idx
// (pe.IMAGE_DIRECTORY_ENTRY_*).
func (h *Header) Directory(idx int) (guest.Span, bool) {
	if idx < 0 || idx >= len(h.Directories) {
		return guest.Span{}, false
	}
	d := h.Directories[idx]
	if d.VirtualAddress == 0 || d.Size == 0 {
		return guest.Span{}, false
	}
	if h.SizeOfImage != 0 && uint64(d.VirtualAddress)+uint64(d.Size) > uint64(h.SizeOfImage) {
		return guest.Span{}, false
	}
	return guest.Span{Addr: h.Base + uint64(d.VirtualAddress), Size: uint64(d.Size)}, true
}

package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/go-delve/vmi/pkg/guest"
)

const (
	// DebugTypeCodeView is IMAGE_DEBUG_TYPE_CODEVIEW.
	DebugTypeCodeView = 2

	debugDirectorySize = 28
	maxDebugEntries    = 32

	rsdsSignature = 0x53445352 // RSDS
	rsdsHeaderLen = 4 + 16 + 4
	// MaxCodeViewSize bounds the size of a CodeView record, the file name
	// is at most MAX_PATH bytes.
	MaxCodeViewSize = rsdsHeaderLen + 260 + 1
)

// DebugDirectory is one IMAGE_DEBUG_DIRECTORY entry.
type DebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// ReadDebugDirectories returns the entries of the debug data directory of
// the image described by h.
func ReadDebugDirectories(r io.ReaderAt, h *Header) ([]DebugDirectory, error) {
	span, ok := h.Directory(pe.IMAGE_DIRECTORY_ENTRY_DEBUG)
	if !ok {
		return nil, malformedf("no debug directory in image at %#x", h.Base)
	}
	n := span.Size / debugDirectorySize
	if n == 0 || n > maxDebugEntries {
		return nil, malformedf("bad debug directory size %#x", span.Size)
	}
	raw := make([]byte, n*debugDirectorySize)
	if _, err := r.ReadAt(raw, int64(span.Addr)); err != nil {
		return nil, readErr("debug directory", span.Addr, err)
	}
	dirs := make([]DebugDirectory, n)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, dirs); err != nil {
		return nil, malformedf("debug directory: %v", err)
	}
	return dirs, nil
}

// FindCodeView returns the span of the CodeView record of the image mapped
// at mod, so that the caller can read it through the memory layer. Invalid
// CodeView entries are skipped, the first valid one is used.
func FindCodeView(r io.ReaderAt, mod guest.Span) (guest.Span, error) {
	h, err := ReadHeader(r, mod)
	if err != nil {
		return guest.Span{}, err
	}
	dirs, err := ReadDebugDirectories(r, h)
	if err != nil {
		return guest.Span{}, err
	}
	var bad error
	for _, d := range dirs {
		if d.Type != DebugTypeCodeView {
			continue
		}
		if d.AddressOfRawData == 0 || d.SizeOfData < rsdsHeaderLen || d.SizeOfData > MaxCodeViewSize {
			bad = malformedf("bad codeview entry (rva %#x size %#x)", d.AddressOfRawData, d.SizeOfData)
			continue
		}
		if h.SizeOfImage != 0 && uint64(d.AddressOfRawData)+uint64(d.SizeOfData) > uint64(h.SizeOfImage) {
			bad = malformedf("codeview record outside image (rva %#x)", d.AddressOfRawData)
			continue
		}
		return guest.Span{Addr: h.Base + uint64(d.AddressOfRawData), Size: uint64(d.SizeOfData)}, nil
	}
	if bad != nil {
		return guest.Span{}, bad
	}
	return guest.Span{}, malformedf("no codeview entry in image at %#x", h.Base)
}

// CodeView is the RSDS record linking an image to its program database.
type CodeView struct {
	GUID    uuid.UUID
	Age     uint32
	PDBName string
}

// ParseCodeView decodes an RSDS record.
func ParseCodeView(raw []byte) (*CodeView, error) {
	if len(raw) < rsdsHeaderLen+1 {
		return nil, malformedf("codeview record too short (%d bytes)", len(raw))
	}
	if sig := binary.LittleEndian.Uint32(raw); sig != rsdsSignature {
		return nil, malformedf("unsupported codeview signature %#x", sig)
	}
	// the first three GUID fields are stored little endian
	var g [16]byte
	copy(g[:], raw[4:20])
	g[0], g[1], g[2], g[3] = g[3], g[2], g[1], g[0]
	g[4], g[5] = g[5], g[4]
	g[6], g[7] = g[7], g[6]
	guid, err := uuid.FromBytes(g[:])
	if err != nil {
		return nil, malformedf("codeview guid: %v", err)
	}
	name := raw[rsdsHeaderLen:]
	end := bytes.IndexByte(name, 0)
	if end <= 0 {
		return nil, malformedf("codeview file name not terminated")
	}
	return &CodeView{
		GUID:    guid,
		Age:     binary.LittleEndian.Uint32(raw[20:]),
		PDBName: string(name[:end]),
	}, nil
}

// ReadCodeView locates, reads and decodes the CodeView record of the image
// mapped at mod.
func ReadCodeView(r io.ReaderAt, mod guest.Span) (*CodeView, error) {
	span, err := FindCodeView(r, mod)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, span.Size)
	if _, err := r.ReadAt(raw, int64(span.Addr)); err != nil {
		return nil, readErr("codeview record", span.Addr, err)
	}
	return ParseCodeView(raw)
}

// Key returns the identifier of the program database in a symbol store:
// the GUID in upper case hex without dashes followed by the age.
func (cv *CodeView) Key() string {
	return strings.ToUpper(hex.EncodeToString(cv.GUID[:])) + fmt.Sprintf("%X", cv.Age)
}

func (cv *CodeView) String() string {
	return fmt.Sprintf("%s %s", cv.PDBName, cv.Key())
}

// Package petest builds minimal PE images for tests.
package petest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/google/uuid"
)

const (
	ntHeaderOffset = 0x80
	debugDirRVA    = 0x1000
	codeViewRVA    = 0x1040
)

// Image describes a PE32+ image with a single CodeView debug entry.
type Image struct {
	ImageBase   uint64
	SizeOfImage uint32
	GUID        uuid.UUID
	Age         uint32
	PDBName     string
	// NoDebug omits the debug data directory.
	NoDebug bool
}

// Build returns the first SizeOfImage bytes of the mapped image (at least
// two pages).
func (img *Image) Build() []byte {
	size := img.SizeOfImage
	if size < 0x2000 {
		size = 0x2000
	}
	buf := make([]byte, size)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], ntHeaderOffset)

	var hdr bytes.Buffer
	hdr.WriteString("PE\x00\x00")
	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		ImageBase:           img.ImageBase,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         size,
		SizeOfHeaders:       0x400,
		NumberOfRvaAndSizes: 16,
	}
	cv := img.CodeView()
	if !img.NoDebug {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG] = pe.DataDirectory{VirtualAddress: debugDirRVA, Size: 28}
	}
	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		SizeOfOptionalHeader: uint16(binary.Size(oh)),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE,
	}
	binary.Write(&hdr, binary.LittleEndian, fh)
	binary.Write(&hdr, binary.LittleEndian, oh)
	copy(buf[ntHeaderOffset:], hdr.Bytes())

	var dbg bytes.Buffer
	binary.Write(&dbg, binary.LittleEndian, struct {
		Characteristics  uint32
		TimeDateStamp    uint32
		MajorVersion     uint16
		MinorVersion     uint16
		Type             uint32
		SizeOfData       uint32
		AddressOfRawData uint32
		PointerToRawData uint32
	}{Type: 2, SizeOfData: uint32(len(cv)), AddressOfRawData: codeViewRVA, PointerToRawData: codeViewRVA})
	copy(buf[debugDirRVA:], dbg.Bytes())
	copy(buf[codeViewRVA:], cv)
	return buf
}

// CodeView returns the encoded RSDS record of img.
func (img *Image) CodeView() []byte {
	var cv bytes.Buffer
	cv.WriteString("RSDS")
	g := img.GUID
	g[0], g[1], g[2], g[3] = g[3], g[2], g[1], g[0]
	g[4], g[5] = g[5], g[4]
	g[6], g[7] = g[7], g[6]
	cv.Write(g[:])
	binary.Write(&cv, binary.LittleEndian, img.Age)
	cv.WriteString(img.PDBName)
	cv.WriteByte(0)
	return cv.Bytes()
}

// Package guest holds the value types shared by every layer of the
// introspection engine: address space identifiers, address ranges and the
// result of enumeration visitors.
package guest

import "fmt"

// DTB identifies a guest page-table root (the value loaded in CR3). It
// distinguishes the virtual address mapping of one process from another.
type DTB uint64

func (dtb DTB) String() string {
	return fmt.Sprintf("dtb:%#x", uint64(dtb))
}

// Span is a range of guest virtual addresses.
type Span struct {
	Addr uint64
	Size uint64
}

// End returns the first address past the span.
func (s Span) End() uint64 {
	return s.Addr + s.Size
}

// Contains returns true if addr falls inside the span.
func (s Span) Contains(addr uint64) bool {
	return s.Size > 0 && addr >= s.Addr && addr-s.Addr < s.Size
}

func (s Span) String() string {
	return fmt.Sprintf("[%#x, %#x)", s.Addr, s.End())
}

// Walk is returned by enumeration visitors to continue or stop the walk.
type Walk int

const (
	// Next continues the enumeration.
	Next Walk = iota
	// Stop ends the enumeration early.
	Stop
)

// KernelAddr reports whether va lies in the upper (kernel) canonical half
// of the x86-64 address space.
func KernelAddr(va uint64) bool {
	return va >= 0xffff800000000000
}

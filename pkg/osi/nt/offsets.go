package nt

import (
	"fmt"
	"sort"
	"strings"
)

// Offsets are the offsets of the kernel structure fields read by the NT
// layer. The defaults match Windows 10 x64 build 19041, other builds can
// override them by name with Apply.
type Offsets struct {
	KPROCESS struct {
		DirectoryTableBase uint64
	}
	EPROCESS struct {
		UniqueProcessId            uint64
		ActiveProcessLinks         uint64
		Peb                        uint64
		ImageFileName              uint64
		SeAuditProcessCreationInfo uint64
		ThreadListHead             uint64
	}
	KTHREAD struct {
		TrapFrame uint64
		Process   uint64
	}
	ETHREAD struct {
		UniqueThread    uint64
		ThreadListEntry uint64
	}
	KTRAP_FRAME struct {
		Rip uint64
		Rsp uint64
		Rbp uint64
	}
	KPCR struct {
		IdtBase       uint64
		CurrentThread uint64
	}
	PEB struct {
		Ldr uint64
	}
	PEB_LDR_DATA struct {
		InLoadOrderModuleList uint64
	}
	LDR_DATA_TABLE_ENTRY struct {
		DllBase     uint64
		SizeOfImage uint64
		FullDllName uint64
		BaseDllName uint64
	}
}

// DefaultOffsets returns the offsets of Windows 10 x64 build 19041.
func DefaultOffsets() Offsets {
	var o Offsets
	o.KPROCESS.DirectoryTableBase = 0x28
	o.EPROCESS.UniqueProcessId = 0x440
	o.EPROCESS.ActiveProcessLinks = 0x448
	o.EPROCESS.Peb = 0x550
	o.EPROCESS.ImageFileName = 0x5a8
	o.EPROCESS.SeAuditProcessCreationInfo = 0x5c0
	o.EPROCESS.ThreadListHead = 0x5e0
	o.KTHREAD.TrapFrame = 0x90
	o.KTHREAD.Process = 0xb8
	o.ETHREAD.UniqueThread = 0x480
	o.ETHREAD.ThreadListEntry = 0x4e8
	o.KTRAP_FRAME.Rip = 0x168
	o.KTRAP_FRAME.Rsp = 0x180
	o.KTRAP_FRAME.Rbp = 0x158
	o.KPCR.IdtBase = 0x38
	o.KPCR.CurrentThread = 0x188
	o.PEB.Ldr = 0x18
	o.PEB_LDR_DATA.InLoadOrderModuleList = 0x10
	o.LDR_DATA_TABLE_ENTRY.DllBase = 0x30
	o.LDR_DATA_TABLE_ENTRY.SizeOfImage = 0x40
	o.LDR_DATA_TABLE_ENTRY.FullDllName = 0x48
	o.LDR_DATA_TABLE_ENTRY.BaseDllName = 0x58
	return o
}

func (o *Offsets) fields() map[string]*uint64 {
	return map[string]*uint64{
		"KPROCESS.DirectoryTableBase":         &o.KPROCESS.DirectoryTableBase,
		"EPROCESS.UniqueProcessId":            &o.EPROCESS.UniqueProcessId,
		"EPROCESS.ActiveProcessLinks":         &o.EPROCESS.ActiveProcessLinks,
		"EPROCESS.Peb":                        &o.EPROCESS.Peb,
		"EPROCESS.ImageFileName":              &o.EPROCESS.ImageFileName,
		"EPROCESS.SeAuditProcessCreationInfo": &o.EPROCESS.SeAuditProcessCreationInfo,
		"EPROCESS.ThreadListHead":             &o.EPROCESS.ThreadListHead,
		"KTHREAD.TrapFrame":                   &o.KTHREAD.TrapFrame,
		"KTHREAD.Process":                     &o.KTHREAD.Process,
		"ETHREAD.UniqueThread":                &o.ETHREAD.UniqueThread,
		"ETHREAD.ThreadListEntry":             &o.ETHREAD.ThreadListEntry,
		"KTRAP_FRAME.Rip":                     &o.KTRAP_FRAME.Rip,
		"KTRAP_FRAME.Rsp":                     &o.KTRAP_FRAME.Rsp,
		"KTRAP_FRAME.Rbp":                     &o.KTRAP_FRAME.Rbp,
		"KPCR.IdtBase":                        &o.KPCR.IdtBase,
		"KPCR.CurrentThread":                  &o.KPCR.CurrentThread,
		"PEB.Ldr":                             &o.PEB.Ldr,
		"PEB_LDR_DATA.InLoadOrderModuleList":  &o.PEB_LDR_DATA.InLoadOrderModuleList,
		"LDR_DATA_TABLE_ENTRY.DllBase":        &o.LDR_DATA_TABLE_ENTRY.DllBase,
		"LDR_DATA_TABLE_ENTRY.SizeOfImage":    &o.LDR_DATA_TABLE_ENTRY.SizeOfImage,
		"LDR_DATA_TABLE_ENTRY.FullDllName":    &o.LDR_DATA_TABLE_ENTRY.FullDllName,
		"LDR_DATA_TABLE_ENTRY.BaseDllName":    &o.LDR_DATA_TABLE_ENTRY.BaseDllName,
	}
}

// Apply overrides the offsets named in m, names are of the form
// "STRUCT.Field" and are case insensitive.
func (o *Offsets) Apply(m map[string]uint64) error {
	fields := o.fields()
	byLower := make(map[string]*uint64, len(fields))
	for name, p := range fields {
		byLower[strings.ToLower(name)] = p
	}
	var unknown []string
	for name, v := range m {
		p, ok := byLower[strings.ToLower(name)]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		*p = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown kernel offsets: %s", strings.Join(unknown, ", "))
	}
	return nil
}

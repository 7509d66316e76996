package vmm

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

// ErrInvalidMapping is returned when looking up a virtual address that is
// not currently mapped.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

// pageLevels is the number of page-table levels the amd64 MMU walks
// (PML4, PDPT, PD, PT).
const pageLevels = 4

// ptePhysPageMask extracts the physical frame address (bits 12-51) encoded
// in a page table entry.
const ptePhysPageMask = uintptr(0x000ffffffffff000)

// pageLevelBits is the number of virtual address bits consumed at each
// level; amd64 uses 9 bits (512 entries) per level.
var pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

// pageLevelShifts is the shift needed to extract each level's index from a
// virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// PageTableEntryFlag describes a hardware flag bit of a page table entry.
type PageTableEntryFlag uintptr

const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThroughCaching
	FlagDoNotCache
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal

	// FlagNoExecute is bit 63 (NX), only honored when CPUID reports
	// support; the VMM omits it entirely on CPUs without NX.
	FlagNoExecute = PageTableEntryFlag(1) << 63
)

// pageTableEntry is a single 64-bit page table/directory entry.
type pageTableEntry uintptr

// HasFlags returns true if every flag in flags is set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if at least one flag in flags is set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags ORs flags into the entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears flags from the entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame this entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the entry to point at frame, preserving its flags.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

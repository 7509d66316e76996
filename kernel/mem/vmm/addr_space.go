package vmm

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

var (
	// switchPDTFn and activePDTFn are seams over the asm-backed CR3
	// accessors so tests can avoid faulting on a host.
	switchPDTFn = cpu.SwitchPDT
	activePDTFn = cpu.ActivePDT

	// kernelPML4 is the frame read from CR3 at Init, before any user
	// address space has been created. Its upper half (indices 256-511)
	// is copied by value into every subsequently created address space.
	kernelPML4 pmm.Frame

	errActiveAddressSpace = &kernel.Error{Module: "vmm", Message: "cannot delete the currently active address space"}
)

// kernelPML4Index is the first PML4 index belonging to the upper (kernel)
// half of the 48-bit canonical address space.
const kernelPML4Index = 256

// CreateAddressSpace allocates a fresh zeroed PML4 and copies the kernel's
// upper-half entries into it by value, so kernel virtual addresses remain
// identical across every address space.
func CreateAddressSpace() (pmm.Frame, *kernel.Error) {
	pml4Frame, err := frameAllocator()
	if err != nil {
		return 0, err
	}

	pml4 := (*[512]pageTableEntry)(hhdmPtrFn(pml4Frame.Address()))
	kernel4 := (*[512]pageTableEntry)(hhdmPtrFn(kernelPML4.Address()))
	for i := 0; i < 512; i++ {
		if i >= kernelPML4Index {
			pml4[i] = kernel4[i]
		} else {
			pml4[i] = 0
		}
	}

	return pml4Frame, nil
}

// DeleteAddressSpace walks the lower half of pml4's tree and returns every
// live non-huge child table frame to the physical frame allocator, then the
// PML4 frame itself. It refuses to delete the currently active address
// space.
func DeleteAddressSpace(pml4 pmm.Frame) *kernel.Error {
	if pml4.Address() == activePDTFn() {
		return errActiveAddressSpace
	}

	pml4Table := (*[512]pageTableEntry)(hhdmPtrFn(pml4.Address()))
	for i := 0; i < kernelPML4Index; i++ {
		freeTableTree(pml4Table[i], 1)
	}

	freeFrameFn(pml4)
	return nil
}

// freeTableTree recursively returns every present, non-huge child table at
// level and below to the PFA. level 1 is the PDPT level, level 3 is the PT
// level (whose entries point at data frames owned by the caller, not at
// further tables, and are therefore left untouched).
func freeTableTree(entry pageTableEntry, level uint8) {
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return
	}

	childFrame := entry.Frame()
	if level < pageLevels-1 {
		childTable := (*[512]pageTableEntry)(hhdmPtrFn(childFrame.Address()))
		for i := 0; i < 512; i++ {
			freeTableTree(childTable[i], level+1)
		}
	}
	freeFrameFn(childFrame)
}

// ClonedPage is one leaf mapping discovered by CloneUserPages: enough
// information to recreate an equivalent page in a different address space.
type ClonedPage struct {
	Vaddr uintptr
	Frame pmm.Frame
	Flags Flags
}

// CloneUserPages walks every present leaf mapping, huge or not, in root's lower
// half (the user half of the canonical address space) and invokes fn once
// per page found, in no particular order. fork needs to duplicate a
// task's entire address space rather than load a fresh ELF image (spec.md
// §9's Open Question on sys_fork), and this is the enumeration step that
// makes that duplication possible without the caller re-deriving the page
// table structure itself.
func CloneUserPages(root pmm.Frame, fn func(ClonedPage)) {
	pml4Table := (*[512]pageTableEntry)(hhdmPtrFn(root.Address()))
	for i := 0; i < kernelPML4Index; i++ {
		cloneSubtree(pml4Table[i], uintptr(i)<<pageLevelShifts[0], 1, fn)
	}
}

func cloneSubtree(entry pageTableEntry, vaddrPrefix uintptr, level uint8, fn func(ClonedPage)) {
	if !entry.HasFlags(FlagPresent) {
		return
	}
	if entry.HasFlags(FlagHugePage) || level == pageLevels-1 {
		fn(ClonedPage{Vaddr: vaddrPrefix, Frame: entry.Frame(), Flags: fromPTEFlags(entry)})
		return
	}

	childTable := (*[512]pageTableEntry)(hhdmPtrFn(entry.Frame().Address()))
	for i := 0; i < 512; i++ {
		childVaddr := vaddrPrefix | (uintptr(i) << pageLevelShifts[level])
		cloneSubtree(childTable[i], childVaddr, level+1, fn)
	}
}

// fromPTEFlags recovers the logical Flags surface for a leaf entry,
// toPTEFlags's inverse.
func fromPTEFlags(pte pageTableEntry) Flags {
	var f Flags
	f |= Present
	if pte.HasFlags(FlagRW) {
		f |= Writable
	}
	if pte.HasFlags(FlagUserAccessible) {
		f |= User
	}
	if pte.HasFlags(FlagWriteThroughCaching) {
		f |= WriteThrough
	}
	if pte.HasFlags(FlagDoNotCache) {
		f |= NoCache
	}
	if pte.HasFlags(FlagGlobal) {
		f |= Global
	}
	if pte.HasFlags(FlagNoExecute) {
		f |= NoExecute
	}
	return f
}

// SwitchAddressSpace loads pml4 into CR3, making it the active address
// space, and flushes the TLB.
func SwitchAddressSpace(pml4 pmm.Frame) {
	switchPDTFn(pml4.Address())
}

// GetCurrentAddressSpace returns the PML4 frame currently loaded in CR3.
func GetCurrentAddressSpace() pmm.Frame {
	return pmm.FrameFromAddress(activePDTFn())
}

// FlushTLBPage invalidates the TLB entry for a single virtual address.
func FlushTLBPage(virt uintptr) {
	flushTLBEntryFn(virt)
}

// FlushTLBFull reloads CR3 with its current value, flushing every
// non-global TLB entry.
func FlushTLBFull() {
	switchPDTFn(activePDTFn())
}

package vmm

import (
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

var (
	// hhdmPtrFn resolves a physical address to the unsafe.Pointer a Go
	// expression can dereference. It is a seam so tests can fake physical
	// memory with an ordinary byte slice instead of requiring a real HHDM
	// mapping to be active.
	hhdmPtrFn = func(physAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(boot.PhysToHHDM(physAddr))
	}
)

// pageTableWalker is invoked once per paging level while walking a virtual
// address. Returning false aborts the walk (e.g. because the next-level
// table is absent).
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tableEntry returns a pointer to the pte'th entry of the page table stored
// in physical frame tableFrame, accessed through the HHDM.
func tableEntry(tableFrame pmm.Frame, index uintptr) *pageTableEntry {
	addr := uintptr(hhdmPtrFn(tableFrame.Address())) + (index << mem.PointerShift)
	return (*pageTableEntry)(unsafe.Pointer(addr))
}

// walk performs a page-table walk for virtAddr starting at root (a PML4
// physical frame), calling walkFn once per level with the entry that
// applies at that level. Unlike gopher-os's recursively-mapped walker, the
// same code path works for both the active and an inactive address space:
// every table, at every level, is reached through the HHDM rather than
// through a CR3-relative recursive mapping, so there is no need to install
// a temporary self-map before operating on a PML4 that isn't loaded in CR3.
func walk(root pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := root

	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := tableEntry(tableFrame, index)

		if !walkFn(level, pte) {
			return
		}

		if level < pageLevels-1 {
			tableFrame = pte.Frame()
		}
	}
}

package vmm

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

var (
	// flushTLBEntryFn is a seam so tests can avoid calling the real
	// (asm-backed, unsafe on a host) INVLPG instruction.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNullPage           = &kernel.Error{Module: "vmm", Message: "refusing to map the null virtual page"}
	errHugePageMisaligned = &kernel.Error{Module: "vmm", Message: "huge page request is not aligned to the huge page size"}

	// ErrNotMapped is returned by UnmapPage when virt has no active mapping.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// hugePageLevel returns the page-table level (2 = PD, 1 = PDPT) a HUGE
// mapping request should terminate at for the given page size, and false
// if size is not one of the two supported huge page sizes.
func hugePageLevel(size mem.Size) (uint8, bool) {
	switch size {
	case 2 * mem.Mb:
		return pageLevels - 2, true // PD entry: 2 MiB pages
	case 1 * mem.Gb:
		return pageLevels - 3, true // PDPT entry: 1 GiB pages
	default:
		return 0, false
	}
}

// MapPage establishes a mapping from virt to frame inside the address
// space rooted at root (a PML4 physical frame), walking PML4->PT and
// allocating any missing intermediate table from allocFn. If huge is
// non-zero it must be 2 MiB or 1 GiB and both virt and frame must be
// aligned to it; the walk then terminates at the PD or PDPT level instead
// of the PT. A terminal entry that is already present is overwritten.
func MapPage(root pmm.Frame, virt uintptr, frame pmm.Frame, flags Flags, huge mem.Size, allocFn FrameAllocatorFn) *kernel.Error {
	if virt == 0 {
		return errNullPage
	}

	terminalLevel := uint8(pageLevels - 1)
	if huge != 0 {
		level, ok := hugePageLevel(huge)
		if !ok {
			return errHugePageMisaligned
		}
		if virt&(uintptr(huge)-1) != 0 || frame.Address()&(uintptr(huge)-1) != 0 {
			return errHugePageMisaligned
		}
		terminalLevel = level
		flags |= Huge
	}

	var err *kernel.Error
	walk(root, virt, func(level uint8, pte *pageTableEntry) bool {
		if level == terminalLevel {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(toPTEFlags(flags | Present))
			flushTLBEntryFn(virt)
			return false
		}

		// Propagate USER to intermediate levels: the CPU ANDs the
		// permission bit across every level, so an otherwise-USER
		// leaf mapping would be silently denied without this.
		intermediate := FlagPresent | FlagRW
		if flags&User != 0 {
			intermediate |= FlagUserAccessible
		}

		if !pte.HasFlags(FlagPresent) {
			newTable, allocErr := allocFn()
			if allocErr != nil {
				err = allocErr
				return false
			}
			*pte = 0
			pte.SetFrame(newTable)
			pte.SetFlags(intermediate)
			mem.Memset(uintptr(hhdmPtrFn(newTable.Address())), 0, mem.PageSize)
		} else {
			pte.SetFlags(intermediate)
		}
		return true
	})

	return err
}

// UnmapPage clears the terminal entry for virt inside the address space
// rooted at root and flushes its TLB entry. Intermediate tables are never
// freed: the VMM does not refcount them.
func UnmapPage(root pmm.Frame, virt uintptr) *kernel.Error {
	var err *kernel.Error

	walk(root, virt, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}
		if pte.HasFlags(FlagHugePage) || level == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(virt)
			return false
		}
		return true
	})

	return err
}

// pagesPerHuge is how many consecutive 4 KiB pages a 2 MiB huge page spans;
// MapPages only ever opportunistically emits this size, never 1 GiB, since
// that is the granularity spec.md §4.2 describes for map_pages.
const pagesPerHuge = uint64(2 * mem.Mb / mem.PageSize)

// MapPages maps count consecutive 4 KiB pages starting at virt to count
// consecutive frames starting at frame. When flags requests Huge, any run
// of pagesPerHuge consecutive pages that is 2 MiB-aligned in both virt and
// frame is mapped with a single 2 MiB entry instead of 512 individual 4 KiB
// ones, per spec.md §4.2's "opportunistically emits 2 MiB pages when sizes
// and alignment permit" description; everything else still falls back to
// 4 KiB pages.
func MapPages(root pmm.Frame, virt uintptr, frame pmm.Frame, count uint64, flags Flags, allocFn FrameAllocatorFn) *kernel.Error {
	const hugeSize = 2 * mem.Mb

	for i := uint64(0); i < count; {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		pageFrame := frame + pmm.Frame(i)

		if flags&Huge != 0 && count-i >= pagesPerHuge &&
			pageVirt&(uintptr(hugeSize)-1) == 0 && pageFrame.Address()&(uintptr(hugeSize)-1) == 0 {
			if err := MapPage(root, pageVirt, pageFrame, flags, hugeSize, allocFn); err != nil {
				return err
			}
			i += pagesPerHuge
			continue
		}

		if err := MapPage(root, pageVirt, pageFrame, flags&^Huge, 0, allocFn); err != nil {
			return err
		}
		i++
	}
	return nil
}

// UnmapPages unmaps count consecutive 4 KiB pages starting at virt.
func UnmapPages(root pmm.Frame, virt uintptr, count uint64) *kernel.Error {
	for i := uint64(0); i < count; i++ {
		if err := UnmapPage(root, virt+uintptr(i)*uintptr(mem.PageSize)); err != nil {
			return err
		}
	}
	return nil
}

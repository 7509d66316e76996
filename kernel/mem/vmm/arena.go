package vmm

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

// arenaSlots bounds the number of live allocations a single arena can track
// concurrently. Like the PFA's bitmap, this is a fixed array rather than a
// slice: the arena must be usable before goruntime.Init brings up the Go
// allocator.
const arenaSlots = 4096

// arenaSlot records one live Allocate/MapPhysical reservation.
type arenaSlot struct {
	base uintptr
	size mem.Size
	used bool
}

// arena is a bump-with-reuse allocator over a range of kernel virtual
// address space: it first reuses a freed slot of exactly the requested
// size, and otherwise hands out the next free region above watermark.
type arena struct {
	start     uintptr
	end       uintptr
	watermark uintptr
	slots     [arenaSlots]arenaSlot
}

var (
	errArenaOutOfSpace = &kernel.Error{Module: "vmm", Message: "virtual memory arena exhausted"}
	errArenaNoSlots    = &kernel.Error{Module: "vmm", Message: "virtual memory arena has no free slot descriptors"}

	// kernelArena and userArena are reserved by Init from the upper and
	// lower canonical halves respectively.
	kernelArena arena
	userArena   arena
)

func (a *arena) init(start, end uintptr) {
	a.start = start
	a.end = end
	a.watermark = start
}

// reserve finds space for a size-byte region, either by bumping the
// watermark or reusing a freed slot, and records it as used.
func (a *arena) reserve(size mem.Size) (uintptr, *kernel.Error) {
	size = mem.Size(size.Pages()) * mem.PageSize

	for i := range a.slots {
		if !a.slots[i].used && a.slots[i].base != 0 && a.slots[i].size == size {
			a.slots[i].used = true
			return a.slots[i].base, nil
		}
	}

	if uintptr(size) > a.end-a.watermark {
		return 0, errArenaOutOfSpace
	}

	slotIdx := -1
	for i := range a.slots {
		if a.slots[i].base == 0 {
			slotIdx = i
			break
		}
	}
	if slotIdx == -1 {
		return 0, errArenaNoSlots
	}

	base := a.watermark
	a.watermark += uintptr(size)
	a.slots[slotIdx] = arenaSlot{base: base, size: size, used: true}
	return base, nil
}

// release marks the slot starting at base as free, making it available for
// reuse by a future reserve() call of the same size.
func (a *arena) release(base uintptr) {
	for i := range a.slots {
		if a.slots[i].base == base && a.slots[i].used {
			a.slots[i].used = false
			return
		}
	}
}

// Allocate rounds size up to whole pages, reserves a slot in the kernel
// arena, allocates one fresh physical frame per page and maps it zeroed.
// Any frame already mapped by the time a later page fails is unmapped and
// freed before returning the error.
func Allocate(size mem.Size, flags Flags) (uintptr, *kernel.Error) {
	pages := uint64(size.Pages())
	virt, err := kernelArena.reserve(size)
	if err != nil {
		return 0, err
	}

	for i := uint64(0); i < pages; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)

		frame, allocErr := frameAllocator()
		if allocErr != nil {
			cleanupPartialAllocation(virt, i)
			kernelArena.release(virt)
			return 0, allocErr
		}

		mem.Memset(uintptr(hhdmPtrFn(frame.Address())), 0, mem.PageSize)

		if mapErr := MapPage(kernelPML4, pageVirt, frame, flags, 0, frameAllocator); mapErr != nil {
			freeFrameFn(frame)
			cleanupPartialAllocation(virt, i)
			kernelArena.release(virt)
			return 0, mapErr
		}
	}

	return virt, nil
}

func cleanupPartialAllocation(virt uintptr, mappedPages uint64) {
	for i := uint64(0); i < mappedPages; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		if frame, translErr := Translate(kernelPML4, pageVirt); translErr == nil {
			freeFrameFn(pmm.FrameFromAddress(frame))
		}
		_ = UnmapPage(kernelPML4, pageVirt)
	}
}

// Free unmaps each page of a prior Allocate, returns the underlying frames
// to the PFA and marks the arena slot free again.
func Free(virt uintptr, size mem.Size) {
	pages := uint64(size.Pages())
	for i := uint64(0); i < pages; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		if phys, err := Translate(kernelPML4, pageVirt); err == nil {
			freeFrameFn(pmm.FrameFromAddress(phys))
		}
		_ = UnmapPage(kernelPML4, pageVirt)
	}
	kernelArena.release(virt)
}

// AllocateUser reserves a region from the user arena and maps size bytes of
// fresh, zeroed physical memory into it inside pml4's lower half. It is
// Allocate's counterpart for a task's own address space rather than the
// kernel's: mmap has no file-backed semantics (spec.md §4.7), so every
// mapping it creates is anonymous memory built exactly this way. The arena
// watermark is shared by every task, but since each call maps into that
// task's own pml4, two tasks can never observe each other's pages merely
// because their virtual addresses happen to coincide with a freed slot
// reused by a third.
func AllocateUser(pml4 pmm.Frame, size mem.Size, flags Flags) (uintptr, *kernel.Error) {
	pages := uint64(size.Pages())
	virt, err := userArena.reserve(size)
	if err != nil {
		return 0, err
	}

	for i := uint64(0); i < pages; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)

		frame, allocErr := frameAllocator()
		if allocErr != nil {
			cleanupPartialUserAllocation(pml4, virt, i)
			userArena.release(virt)
			return 0, allocErr
		}

		mem.Memset(uintptr(hhdmPtrFn(frame.Address())), 0, mem.PageSize)

		if mapErr := MapPage(pml4, pageVirt, frame, flags, 0, frameAllocator); mapErr != nil {
			freeFrameFn(frame)
			cleanupPartialUserAllocation(pml4, virt, i)
			userArena.release(virt)
			return 0, mapErr
		}
	}

	return virt, nil
}

func cleanupPartialUserAllocation(pml4 pmm.Frame, virt uintptr, mappedPages uint64) {
	for i := uint64(0); i < mappedPages; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		if frame, translErr := Translate(pml4, pageVirt); translErr == nil {
			freeFrameFn(pmm.FrameFromAddress(frame))
		}
		_ = UnmapPage(pml4, pageVirt)
	}
}

// FreeUser reverses a prior AllocateUser against the same pml4.
func FreeUser(pml4 pmm.Frame, virt uintptr, size mem.Size) {
	pages := uint64(size.Pages())
	for i := uint64(0); i < pages; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		if phys, err := Translate(pml4, pageVirt); err == nil {
			freeFrameFn(pmm.FrameFromAddress(phys))
		}
		_ = UnmapPage(pml4, pageVirt)
	}
	userArena.release(virt)
}

// MapPhysical establishes an identity-style mapping of a pre-existing
// physical region (used for MMIO). A region already covered by the HHDM is
// served directly from it without consuming arena space.
func MapPhysical(phys uintptr, size mem.Size, flags Flags) (uintptr, *kernel.Error) {
	if phys+uintptr(size) <= physMemoryLimit {
		return boot.PhysToHHDM(phys), nil
	}

	pageCount := uint64(size.Pages())
	virt, err := kernelArena.reserve(size)
	if err != nil {
		return 0, err
	}

	frame := pmm.FrameFromAddress(phys)
	if mapErr := MapPages(kernelPML4, virt, frame, pageCount, flags, frameAllocator); mapErr != nil {
		kernelArena.release(virt)
		return 0, mapErr
	}

	return virt, nil
}

// UnmapPhysical tears down a mapping previously installed by MapPhysical.
// It does not return the underlying frames to the PFA: MapPhysical never
// owned them.
func UnmapPhysical(virt uintptr, size mem.Size) {
	pageCount := uint64(size.Pages())
	_ = UnmapPages(kernelPML4, virt, pageCount)
	kernelArena.release(virt)
}

// physMemoryLimit is a conservative upper bound on the physical address
// space the HHDM is assumed to cover; used only to short-circuit
// MapPhysical for addresses that are already reachable through it.
const physMemoryLimit = uintptr(64) << 30

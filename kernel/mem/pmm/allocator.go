package pmm

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/kfmt/early"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
)

var (
	errNoUsableMemory    = &kernel.Error{Module: "pmm", Message: "no usable memory region of at least 1 MiB found above the 1 MiB mark"}
	errOutOfMemory       = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errInvalidFrameCount = &kernel.Error{Module: "pmm", Message: "invalid frame count"}
)

// lowReservedFrames is the number of low frames that are always pre-marked
// allocated for safety (spec.md §3: "the first N low frames (≥256) are
// pre-marked allocated for safety").
const lowReservedFrames = 256

// bitmapWords sizes the static bitmap storage. Each word tracks 64 frames,
// so this allocator can manage up to bitmapWords*64*mem.PageSize bytes of
// physical memory (64 GiB at the constant below). The bitmap cannot grow at
// runtime: it is a fixed BSS array because the PFA itself must be usable
// before any allocator capable of growing a slice exists.
const bitmapWords = 1 << 18

// Allocator is a bitmap-based physical frame allocator over a single
// contiguous "managed physical window", as described in spec.md §3/§4.1.
type Allocator struct {
	// base and end describe the half-open managed window [base, end).
	// Both are Frame-aligned.
	base Frame
	end  Frame

	bitmap [bitmapWords]uint64

	freeFrames uint64
}

// FrameAllocator is the kernel-wide physical frame allocator instance.
var FrameAllocator Allocator

// Init selects the managed physical window (the largest usable region
// reported by the boot memory map, above the 1 MiB mark, intersected with
// the bitmap's capacity), marks every frame it covers as free, then
// re-marks non-usable regions inside the window and the low reserved
// frames as allocated.
//
// Init fails fatally (per spec.md §4.1) if no usable region of at least
// 1 MiB exists; callers should treat a non-nil return as unrecoverable.
func (a *Allocator) Init() *kernel.Error {
	const oneMiB = uintptr(1) << 20
	const minWindow = mem.Size(oneMiB)

	var (
		bestBase, bestEnd uintptr
		bestLen           uint64
	)

	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemUsable {
			return true
		}
		regionBase := uintptr(region.Base)
		regionEnd := regionBase + uintptr(region.Length)
		if regionEnd <= oneMiB {
			return true
		}
		if regionBase < oneMiB {
			regionBase = oneMiB
		}
		if regionEnd <= regionBase {
			return true
		}
		if length := uint64(regionEnd - regionBase); length > bestLen {
			bestLen, bestBase, bestEnd = length, regionBase, regionEnd
		}
		return true
	})

	if bestLen == 0 || mem.Size(bestLen) < minWindow {
		return errNoUsableMemory
	}

	// Align to frame boundaries and intersect with the bitmap's capacity.
	pageMask := uintptr(mem.PageSize - 1)
	alignedBase := (bestBase + pageMask) &^ pageMask
	alignedEnd := bestEnd &^ pageMask

	a.base = FrameFromAddress(alignedBase)
	maxFrames := Frame(bitmapWords * 64)
	a.end = a.base + Frame((alignedEnd-alignedBase)>>mem.PageShift)
	if a.end-a.base > maxFrames {
		a.end = a.base + maxFrames
	}

	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	a.freeFrames = uint64(a.end - a.base)

	// Re-mark any non-usable region that falls inside the window.
	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type == boot.MemUsable {
			return true
		}
		a.reserveRange(uintptr(region.Base), uintptr(region.Base+region.Length))
		return true
	})

	// Pre-mark the low reserved frames.
	if a.base < lowReservedFrames {
		a.reserveRange(a.base.Address(), Frame(lowReservedFrames).Address())
	}

	early.Printf(
		"[pmm] managed window: %x - %x, free: %d/%d frames\n",
		a.base.Address(), a.end.Address(), a.freeFrames, uint64(a.end-a.base),
	)
	return nil
}

// reserveRange marks every frame overlapping [from, to) inside the window
// as allocated. Used only during Init.
func (a *Allocator) reserveRange(from, to uintptr) {
	startFrame := FrameFromAddress(from)
	endFrame := FrameFromAddress(to + uintptr(mem.PageSize) - 1)
	if startFrame < a.base {
		startFrame = a.base
	}
	if endFrame > a.end {
		endFrame = a.end
	}
	for f := startFrame; f < endFrame; f++ {
		if a.setBit(f) {
			a.freeFrames--
		}
	}
}

// bitIndex returns the (word, mask) pair for a frame relative to the
// window's base.
func (a *Allocator) bitIndex(f Frame) (word uint64, mask uint64) {
	rel := uint64(f - a.base)
	return rel >> 6, uint64(1) << (rel & 63)
}

// setBit marks a frame allocated. Returns true if it transitioned 0->1.
func (a *Allocator) setBit(f Frame) bool {
	word, mask := a.bitIndex(f)
	if a.bitmap[word]&mask != 0 {
		return false
	}
	a.bitmap[word] |= mask
	return true
}

// clearBit marks a frame free. Returns true if it transitioned 1->0.
func (a *Allocator) clearBit(f Frame) bool {
	word, mask := a.bitIndex(f)
	if a.bitmap[word]&mask == 0 {
		return false
	}
	a.bitmap[word] &^= mask
	return true
}

func (a *Allocator) testBit(f Frame) bool {
	word, mask := a.bitIndex(f)
	return a.bitmap[word]&mask != 0
}

func (a *Allocator) inWindow(f Frame) bool {
	return f >= a.base && f < a.end
}

// AllocOne scans the bitmap for the first clear bit, sets it, and returns
// the corresponding frame. Allocation order is first-fit by bit index, so
// it is deterministic for a given allocation history.
func (a *Allocator) AllocOne() (Frame, *kernel.Error) {
	total := uint64(a.end - a.base)
	words := (total + 63) / 64
	for word := uint64(0); word < words; word++ {
		if a.bitmap[word] == ^uint64(0) {
			continue
		}
		for bit := uint64(0); bit < 64; bit++ {
			rel := word*64 + bit
			if rel >= total {
				break
			}
			mask := uint64(1) << bit
			if a.bitmap[word]&mask == 0 {
				a.bitmap[word] |= mask
				a.freeFrames--
				return a.base + Frame(rel), nil
			}
		}
	}
	return InvalidFrame, errOutOfMemory
}

// AllocContig scans for the first run of n consecutive clear bits, sets
// them, and returns the base frame. Ties are broken by lowest address.
func (a *Allocator) AllocContig(n uint64) (Frame, *kernel.Error) {
	if n == 0 {
		return InvalidFrame, errInvalidFrameCount
	}

	total := uint64(a.end - a.base)
	var runStart uint64
	runLen := uint64(0)
	for rel := uint64(0); rel < total; rel++ {
		if !a.testBit(a.base + Frame(rel)) {
			if runLen == 0 {
				runStart = rel
			}
			runLen++
			if runLen == n {
				for i := uint64(0); i < n; i++ {
					a.setBit(a.base + Frame(runStart+i))
				}
				a.freeFrames -= n
				return a.base + Frame(runStart), nil
			}
		} else {
			runLen = 0
		}
	}
	return InvalidFrame, errOutOfMemory
}

// FreeOne returns a frame to the pool. Double-free and frees of frames
// outside the managed window are recoverable errors: they are logged and
// otherwise treated as a no-op.
func (a *Allocator) FreeOne(f Frame) {
	if f.Address()&uintptr(mem.PageSize-1) != 0 || !a.inWindow(f) {
		early.Printf("[pmm] free_one: invalid address %x\n", f.Address())
		return
	}
	if a.clearBit(f) {
		a.freeFrames++
	} else {
		early.Printf("[pmm] free_one: double-free of frame %x\n", f.Address())
	}
}

// FreeContig frees n consecutive frames starting at f. If the range
// extends past the managed window it is truncated and logged.
func (a *Allocator) FreeContig(f Frame, n uint64) {
	limit := n
	if f+Frame(n) > a.end {
		limit = uint64(a.end - f)
		early.Printf("[pmm] free_contig: truncating free of %d frames at %x to %d\n", n, f.Address(), limit)
	}
	for i := uint64(0); i < limit; i++ {
		a.FreeOne(f + Frame(i))
	}
}

// IsFree reports whether a frame inside the managed window is currently
// unallocated. Frames outside the window are reported as not free.
func (a *Allocator) IsFree(f Frame) bool {
	return a.inWindow(f) && !a.testBit(f)
}

// TotalFreeBytes returns the number of bytes currently unallocated in the
// managed window.
func (a *Allocator) TotalFreeBytes() mem.Size {
	return mem.Size(a.freeFrames) * mem.PageSize
}

// TotalUsedBytes returns the number of bytes currently allocated in the
// managed window.
func (a *Allocator) TotalUsedBytes() mem.Size {
	return mem.Size(uint64(a.end-a.base)-a.freeFrames) * mem.PageSize
}

// Info summarizes the allocator's state.
type Info struct {
	Base, End        Frame
	FreeBytes        mem.Size
	UsedBytes        mem.Size
	TotalManagedSize mem.Size
}

// GetInfo returns a snapshot of the allocator's state.
func (a *Allocator) GetInfo() Info {
	return Info{
		Base:             a.base,
		End:              a.end,
		FreeBytes:        a.TotalFreeBytes(),
		UsedBytes:        a.TotalUsedBytes(),
		TotalManagedSize: mem.Size(uint64(a.end-a.base)) * mem.PageSize,
	}
}

// Init sets up the kernel's physical frame allocator from the boot memory
// map. It must be called once, early in the boot sequence, before the VMM.
func Init() *kernel.Error {
	return FrameAllocator.Init()
}

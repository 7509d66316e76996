// Package pmm contains the types shared by the physical frame allocator.
package pmm

import (
	"math"

	"github.com/VoltagedDebunked/kronosos/kernel/mem"
)

// Frame describes a physical memory page index. Frame(0) is the frame
// starting at physical address 0; Frame(n).Address() == n * mem.PageSize.
type Frame uint64

// InvalidFrame is returned by the allocator when it fails to reserve the
// requested frame(s).
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is not the sentinel InvalidFrame value.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame containing the given physical address,
// rounding down to the enclosing frame boundary if addr is not aligned.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}

// Package boot exposes the boot-time payload handed to the kernel by a
// Limine-style bootloader: the physical memory map, the HHDM offset, the
// kernel's physical/virtual load addresses and the framebuffer descriptor.
//
// Limine communicates with the kernel through statically-allocated request
// structs placed in a dedicated linker section; the bootloader walks that
// section before jumping to the entry point and fills in each request's
// response pointer. This package owns that section's Go-visible shape and
// exposes typed accessors over it, mirroring the role gopher-os's
// hal/multiboot package played for the multiboot tag stream — but the two
// protocols are structurally incompatible (tag stream vs. static request
// table) so nothing from multiboot.go survives the port.
package boot

// MemoryEntryType classifies a MemoryMapEntry the same way spec.md's memory
// map enum does.
type MemoryEntryType uint32

const (
	MemUsable MemoryEntryType = iota
	MemReserved
	MemAcpiReclaimable
	MemAcpiNvs
	MemBadMemory
	MemBootloaderReclaimable
	MemKernelAndModules
	MemFramebuffer
)

// String renders a MemoryEntryType for diagnostic output.
func (t MemoryEntryType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "acpi-reclaimable"
	case MemAcpiNvs:
		return "acpi-nvs"
	case MemBadMemory:
		return "bad-memory"
	case MemBootloaderReclaimable:
		return "bootloader-reclaimable"
	case MemKernelAndModules:
		return "kernel-and-modules"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a single region reported by the bootloader.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryEntryType
}

var (
	// memoryMap holds the parsed entries after SetMemoryMap is invoked by
	// the rt0 trampoline. Kept as a plain slice header so that early boot
	// code (before the Go allocator exists) can populate it from a
	// pre-reserved backing array.
	memoryMap []MemoryMapEntry

	hhdmOffset uintptr

	kernelPhysicalBase uintptr
	kernelVirtualBase  uintptr

	framebuffer *FramebufferInfo
)

// FramebufferInfo mirrors spec.md §6's framebuffer descriptor.
type FramebufferInfo struct {
	Address uintptr
	Width   uint32
	Height  uint32
	Pitch   uint32
	Bpp     uint8
}

// SetMemoryMap installs the memory map extracted from the bootloader's
// response. It is called once, from the rt0 trampoline, before any other
// function in this package is used.
func SetMemoryMap(entries []MemoryMapEntry) {
	memoryMap = entries
}

// SetHHDMOffset records the higher-half direct map offset reported by the
// bootloader.
func SetHHDMOffset(offset uintptr) {
	hhdmOffset = offset
}

// SetKernelAddress records the kernel's physical and virtual load
// addresses.
func SetKernelAddress(physical, virtual uintptr) {
	kernelPhysicalBase = physical
	kernelVirtualBase = virtual
}

// SetFramebuffer records the framebuffer descriptor, or nil if the
// bootloader did not set one up.
func SetFramebuffer(fb *FramebufferInfo) {
	framebuffer = fb
}

// MemRegionVisitor is invoked by VisitMemRegions for each reported region.
// Returning false stops the scan early.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions walks the memory map reported by the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	for i := range memoryMap {
		if !visitor(&memoryMap[i]) {
			return
		}
	}
}

// HHDMOffset returns the higher-half direct map offset.
func HHDMOffset() uintptr {
	return hhdmOffset
}

// PhysToHHDM converts a physical address to its HHDM virtual alias.
func PhysToHHDM(phys uintptr) uintptr {
	return hhdmOffset + phys
}

// KernelPhysicalBase returns the kernel's physical load address.
func KernelPhysicalBase() uintptr {
	return kernelPhysicalBase
}

// KernelVirtualBase returns the kernel's virtual load address.
func KernelVirtualBase() uintptr {
	return kernelVirtualBase
}

// GetFramebufferInfo returns the framebuffer descriptor, or nil if none was
// reported.
func GetFramebufferInfo() *FramebufferInfo {
	return framebuffer
}

package vmm

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/irq"
	"github.com/VoltagedDebunked/kronosos/kernel/kfmt/early"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

// kernelArenaStart/kernelArenaEnd bound a fixed window of canonical kernel
// address space reserved for Allocate/MapPhysical, distinct from both the
// HHDM and the kernel's own image, the same way gopher-os reserves a fixed
// high address (tempMappingAddr) for its own special-purpose mappings.
const (
	kernelArenaStart = uintptr(0xffffb00000000000)
	kernelArenaEnd   = uintptr(0xffffc00000000000)

	// userArenaStart/userArenaEnd bound the lower-half window user tasks'
	// address spaces draw from.
	userArenaStart = uintptr(0x0000000000400000)
	userArenaEnd   = uintptr(0x0000700000000000)
)

var (
	// frameAllocator points to a frame allocator function registered via
	// SetFrameAllocator; defaults to the kernel-wide PFA singleton.
	frameAllocator FrameAllocatorFn = pmm.FrameAllocator.AllocOne

	// freeFrameFn returns a frame to the PFA; mocked by tests.
	freeFrameFn = pmm.FrameAllocator.FreeOne

	// the following are mocked by tests and automatically inlined by the
	// compiler in the kernel build.
	panicFn                   = kernel.Panic
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
)

// SetFrameAllocator registers a frame allocator function that will be used
// by the vmm code when new physical frames need to be allocated. The
// default is pmm.FrameAllocator.AllocOne, which the boot sequence leaves
// in place; tests point it at a fake.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// probeNX queries CPUID leaf 0x80000001, EDX bit 20, for execute-disable
// (NX) support.
func probeNX() bool {
	maxExtended, _, _, _ := cpu.CPUID(0x80000000, 0)
	if maxExtended < 0x80000001 {
		return false
	}
	_, _, _, edx := cpu.CPUID(0x80000001, 0)
	return edx&(1<<20) != 0
}

func nxStatus() string {
	if nxSupported {
		return "supported"
	}
	return "unsupported"
}

// Init reads the current CR3 as the kernel PML4, probes NX support,
// reserves the kernel and user virtual memory arenas, and installs the
// page-fault and general-protection-fault handlers. It must run after the
// PFA and IDT and before any address space other than the boot-time one is
// used.
func Init() *kernel.Error {
	kernelPML4 = pmm.FrameFromAddress(activePDTFn())
	nxSupported = probeNX()

	kernelArena.init(kernelArenaStart, kernelArenaEnd)
	userArena.init(userArenaStart, userArenaEnd)

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)

	early.Printf("[vmm] initialized, NX %s, kernel PML4 at %x\n", nxStatus(), kernelPML4.Address())
	return nil
}

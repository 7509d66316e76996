// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
)

var (
	// allocateFn/freeFn seam the Go heap's sys hooks onto the kernel arena.
	// vmm.Allocate reserves a kernel-arena region, backs every page with a
	// freshly zeroed frame and maps it in one step, so there is no
	// "reserved but unbacked" address range to model here: every region
	// this package hands the Go allocator is already fully committed by
	// the time it is returned.
	allocateFn      = vmm.Allocate
	freeFn          = vmm.Free
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// prngSeed seeds the pseudo-random generator getRandomData falls back
	// to; there is no /dev/random equivalent this early in boot.
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysMapFlags is the mapping used for every region the Go allocator backs
// through this package: present, writable, never executable. There is no
// copy-on-write flag in the rewritten vmm (the arena always hands out
// private, already-zeroed frames), so every sys hook below commits real
// memory rather than staging a lazy fault-in mapping.
const sysMapFlags = vmm.Present | vmm.Writable | vmm.NoExecute

// sysReserve reserves address space for the Go allocator. It replaces
// runtime.sysReserve; because vmm.Allocate commits backing frames
// immediately, the region it returns is already mapped and zeroed rather
// than merely carved out of the arena's address range.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionAddr, err := allocateFn(mem.Size(size), sysMapFlags)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionAddr)
}

// sysMap commits a region previously handed back by sysReserve. It
// replaces runtime.sysMap; since sysReserve already mapped and zeroed the
// full region, this only updates the allocator's memstats and returns the
// address unchanged.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	mSysStatInc(sysStat, size)
	return virtAddr
}

// sysAlloc reserves and commits a fresh region in one step, for callers
// that never go through sysReserve/sysMap. It replaces runtime.sysAlloc.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionAddr, err := allocateFn(mem.Size(size), sysMapFlags)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, size)
	return unsafe.Pointer(regionAddr)
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced once a real timekeeper is wired in
// off the PIT/timer driver contract (kernel/drivers.Timer).
//
// This function replaces runtime.nanotime and is invoked by the Go
// allocator when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Dummy loop so the compiler does not inline this away entirely.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates r with pseudo-random bytes. The runtime package
// normally reads a random stream from /dev/random, which has no equivalent
// this early in boot, so a simple LCG stands in.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables the Go runtime features that need an initialized heap:
// heap allocation (new, make), map primitives and interfaces. It must run
// after the VMM is initialized, since mallocInit's first span allocation
// flows straight through sysAlloc/sysReserve into vmm.Allocate.
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
	freeFn(0, 0)
}

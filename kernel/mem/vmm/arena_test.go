package vmm

import (
	"testing"

	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

func TestArenaReserveBumpsWatermarkThenReusesFreedSlots(t *testing.T) {
	var a arena
	a.init(0x1000, 0x1000+4*uintptr(mem.PageSize))

	first, err := a.reserve(mem.PageSize)
	if err != nil {
		t.Fatalf("reserve returned error: %v", err)
	}
	if first != 0x1000 {
		t.Fatalf("expected first reservation at 0x1000; got %x", first)
	}

	second, err := a.reserve(mem.PageSize)
	if err != nil {
		t.Fatalf("reserve returned error: %v", err)
	}
	if second != 0x1000+uintptr(mem.PageSize) {
		t.Fatalf("expected second reservation to bump past the first; got %x", second)
	}

	a.release(first)
	third, err := a.reserve(mem.PageSize)
	if err != nil {
		t.Fatalf("reserve returned error: %v", err)
	}
	if third != first {
		t.Fatalf("expected reserve to reuse the freed slot at %x; got %x", first, third)
	}
}

func TestArenaReserveOutOfSpace(t *testing.T) {
	var a arena
	a.init(0x1000, 0x1000+uintptr(mem.PageSize))

	if _, err := a.reserve(2 * mem.PageSize); err != errArenaOutOfSpace {
		t.Fatalf("expected errArenaOutOfSpace; got %v", err)
	}
}

func withArenaFakes(t *testing.T) *fakeTables {
	t.Helper()
	ft := withFakeTables(t, 32)

	origKernelPML4 := kernelPML4
	origKernelArena := kernelArena
	origFree := freeFrameFn
	origAlloc := frameAllocator

	kernelPML4 = pmm.Frame(0)
	kernelArena = arena{}
	kernelArena.init(0x10000000, 0x10000000+8*uintptr(mem.PageSize))

	t.Cleanup(func() {
		kernelPML4 = origKernelPML4
		kernelArena = origKernelArena
		freeFrameFn = origFree
		frameAllocator = origAlloc
	})

	return ft
}

func TestAllocateMapsZeroedFramesAndFree(t *testing.T) {
	withArenaFakes(t)

	nextFrame := pmm.Frame(1)
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	}
	var freed []pmm.Frame
	freeFrameFn = func(f pmm.Frame) { freed = append(freed, f) }

	virt, err := Allocate(2*mem.PageSize, Present|Writable)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	for i := 0; i < 2; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		if !IsMapped(kernelPML4, pageVirt) {
			t.Fatalf("expected page %d to be mapped", i)
		}
	}

	Free(virt, 2*mem.PageSize)

	for i := 0; i < 2; i++ {
		pageVirt := virt + uintptr(i)*uintptr(mem.PageSize)
		if IsMapped(kernelPML4, pageVirt) {
			t.Fatalf("expected page %d to be unmapped after Free", i)
		}
	}
	if len(freed) == 0 {
		t.Fatal("expected Free to return data frames to the allocator")
	}
}

func TestAllocateCleansUpOnPartialFailure(t *testing.T) {
	withArenaFakes(t)

	// Allocate fetches a data frame for page 0 first, then MapPage fills in
	// the three missing intermediate tables (PDPT, PD, PT) before page 1's
	// own data-frame request is made to fail.
	callCount := 0
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		callCount++
		switch callCount {
		case 1:
			return pmm.Frame(10), nil // page 0 data frame
		case 2:
			return pmm.Frame(1), nil // PDPT table
		case 3:
			return pmm.Frame(2), nil // PD table
		case 4:
			return pmm.Frame(3), nil // PT table
		case 5:
			return 0, &kernel.Error{Module: "test", Message: "out of memory"}
		default:
			t.Fatal("unexpected extra allocator call")
			return 0, nil
		}
	}
	var freed []pmm.Frame
	freeFrameFn = func(f pmm.Frame) { freed = append(freed, f) }

	virt, err := Allocate(2*mem.PageSize, Present|Writable)
	if err == nil {
		t.Fatal("expected Allocate to fail on the second page")
	}
	if virt != 0 {
		t.Fatalf("expected zero virt on failure; got %x", virt)
	}

	if len(freed) != 1 || freed[0] != pmm.Frame(10) {
		t.Fatalf("expected the first page's data frame to be freed on rollback; got %v", freed)
	}
	if IsMapped(kernelPML4, uintptr(0x10000000)) {
		t.Fatal("expected the partially-mapped region to be fully unmapped on failure")
	}
}

func TestMapPhysicalShortCircuitsHHDM(t *testing.T) {
	withArenaFakes(t)

	virt, err := MapPhysical(0x2000, mem.PageSize, Present|Writable)
	if err != nil {
		t.Fatalf("MapPhysical returned error: %v", err)
	}
	if want := boot.PhysToHHDM(0x2000); virt != want {
		t.Fatalf("expected HHDM-backed address %x; got %x", want, virt)
	}
}

func withUserArenaFakes(t *testing.T) *fakeTables {
	t.Helper()
	ft := withFakeTables(t, 32)

	origUserArena := userArena
	origFree := freeFrameFn
	origAlloc := frameAllocator

	userArena = arena{}
	userArena.init(0x400000, 0x400000+8*uintptr(mem.PageSize))

	t.Cleanup(func() {
		userArena = origUserArena
		freeFrameFn = origFree
		frameAllocator = origAlloc
	})

	return ft
}

func TestAllocateUserMapsIntoGivenPML4NotKernel(t *testing.T) {
	withUserArenaFakes(t)

	taskPML4 := pmm.Frame(0)
	nextFrame := pmm.Frame(1)
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	}

	virt, err := AllocateUser(taskPML4, mem.PageSize, Present|Writable|User)
	if err != nil {
		t.Fatalf("AllocateUser returned error: %v", err)
	}
	if !IsMapped(taskPML4, virt) {
		t.Fatal("expected the page to be mapped in the supplied pml4")
	}

	FreeUser(taskPML4, virt, mem.PageSize)
	if IsMapped(taskPML4, virt) {
		t.Fatal("expected the page to be unmapped after FreeUser")
	}
}

func TestAllocateUserCleansUpOnPartialFailure(t *testing.T) {
	withUserArenaFakes(t)

	taskPML4 := pmm.Frame(0)
	callCount := 0
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		callCount++
		switch callCount {
		case 1:
			return pmm.Frame(10), nil // page 0 data frame
		case 2:
			return pmm.Frame(1), nil // PDPT table
		case 3:
			return pmm.Frame(2), nil // PD table
		case 4:
			return pmm.Frame(3), nil // PT table
		case 5:
			return 0, &kernel.Error{Module: "test", Message: "out of memory"}
		default:
			t.Fatal("unexpected extra allocator call")
			return 0, nil
		}
	}
	var freed []pmm.Frame
	freeFrameFn = func(f pmm.Frame) { freed = append(freed, f) }

	virt, err := AllocateUser(taskPML4, 2*mem.PageSize, Present|Writable|User)
	if err == nil {
		t.Fatal("expected AllocateUser to fail on the second page")
	}
	if virt != 0 {
		t.Fatalf("expected zero virt on failure; got %x", virt)
	}
	if len(freed) != 1 || freed[0] != pmm.Frame(10) {
		t.Fatalf("expected the first page's data frame to be freed on rollback; got %v", freed)
	}
}

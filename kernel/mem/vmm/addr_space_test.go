package vmm

import (
	"testing"

	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

func withAddressSpaceFakes(t *testing.T) *fakeTables {
	t.Helper()
	ft := withFakeTables(t, 16)

	origActive := activePDTFn
	origSwitch := switchPDTFn
	origFree := freeFrameFn
	origAlloc := frameAllocator
	origKernelPML4 := kernelPML4

	active := pmm.Frame(0)
	switchPDTFn = func(addr uintptr) { active = pmm.FrameFromAddress(addr) }
	activePDTFn = func() uintptr { return active.Address() }

	t.Cleanup(func() {
		activePDTFn = origActive
		switchPDTFn = origSwitch
		freeFrameFn = origFree
		frameAllocator = origAlloc
		kernelPML4 = origKernelPML4
	})

	return ft
}

func TestCreateAddressSpaceCopiesKernelHalf(t *testing.T) {
	ft := withAddressSpaceFakes(t)

	kernelPML4 = pmm.Frame(0)
	ft.tables[0][kernelPML4Index].SetFlags(FlagPresent | FlagRW)
	ft.tables[0][kernelPML4Index].SetFrame(pmm.Frame(5))
	ft.tables[0][0].SetFlags(FlagPresent | FlagRW) // a lower-half entry that must NOT be copied

	nextFrame := pmm.Frame(1)
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	}

	newPML4, err := CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace returned error: %v", err)
	}

	newTable := ft.tables[newPML4]
	if newTable[kernelPML4Index] != ft.tables[0][kernelPML4Index] {
		t.Fatal("expected kernel half entry to be copied by value")
	}
	if newTable[0].HasFlags(FlagPresent) {
		t.Fatal("expected lower half entries to start cleared")
	}
}

func TestDeleteAddressSpaceRefusesActive(t *testing.T) {
	withAddressSpaceFakes(t)

	active := pmm.Frame(3)
	switchPDTFn(active.Address())

	if err := DeleteAddressSpace(active); err != errActiveAddressSpace {
		t.Fatalf("expected errActiveAddressSpace; got %v", err)
	}
}

func TestDeleteAddressSpaceFreesLowerHalfTables(t *testing.T) {
	ft := withAddressSpaceFakes(t)

	switchPDTFn(pmm.Frame(9).Address()) // make sure the target isn't active

	pml4 := pmm.Frame(0)
	ft.tables[0][0].SetFlags(FlagPresent | FlagRW)
	ft.tables[0][0].SetFrame(pmm.Frame(1)) // PDPT table
	ft.tables[1][0].SetFlags(FlagPresent | FlagRW)
	ft.tables[1][0].SetFrame(pmm.Frame(2)) // PD table
	ft.tables[2][0].SetFlags(FlagPresent | FlagHugePage)
	ft.tables[2][0].SetFrame(pmm.Frame(500)) // huge data mapping, must not be freed as a table

	var freed []pmm.Frame
	freeFrameFn = func(f pmm.Frame) { freed = append(freed, f) }

	if err := DeleteAddressSpace(pml4); err != nil {
		t.Fatalf("DeleteAddressSpace returned error: %v", err)
	}

	wantFreed := map[pmm.Frame]bool{1: true, 2: true, 0: true}
	if len(freed) != len(wantFreed) {
		t.Fatalf("expected %d frames freed; got %d (%v)", len(wantFreed), len(freed), freed)
	}
	for _, f := range freed {
		if !wantFreed[f] {
			t.Errorf("unexpected frame %v freed", f)
		}
	}
}

func TestCloneUserPagesVisitsEveryLowerHalfLeaf(t *testing.T) {
	ft := withAddressSpaceFakes(t)

	pml4 := pmm.Frame(0)
	// PML4[0] -> PDPT(frame 1) -> PD(frame 2) -> PT(frame 3), one leaf at
	// PT index 0 (vaddr 0) and another huge leaf directly at the PDPT level
	// (vaddr 1<<30: the second PDPT slot maps a 1 GiB page).
	ft.tables[0][0].SetFlags(FlagPresent | FlagRW)
	ft.tables[0][0].SetFrame(pmm.Frame(1))
	ft.tables[1][0].SetFlags(FlagPresent | FlagRW)
	ft.tables[1][0].SetFrame(pmm.Frame(2))
	ft.tables[2][0].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	ft.tables[2][0].SetFrame(pmm.Frame(3))
	ft.tables[3][0].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	ft.tables[3][0].SetFrame(pmm.Frame(42))

	ft.tables[1][1].SetFlags(FlagPresent | FlagRW | FlagHugePage)
	ft.tables[1][1].SetFrame(pmm.Frame(7))

	// Kernel half entries (index >= 256) must never surface.
	ft.tables[0][kernelPML4Index].SetFlags(FlagPresent | FlagRW)
	ft.tables[0][kernelPML4Index].SetFrame(pmm.Frame(99))

	var found []ClonedPage
	CloneUserPages(pml4, func(p ClonedPage) { found = append(found, p) })

	if len(found) != 2 {
		t.Fatalf("expected 2 leaf pages; got %d (%+v)", len(found), found)
	}
	seen := map[pmm.Frame]ClonedPage{}
	for _, p := range found {
		seen[p.Frame] = p
	}
	leaf, ok := seen[pmm.Frame(42)]
	if !ok {
		t.Fatal("expected the 4K leaf at frame 42 to be reported")
	}
	if leaf.Vaddr != 0 || leaf.Flags&(Present|Writable|User) != Present|Writable|User {
		t.Errorf("unexpected leaf descriptor: %+v", leaf)
	}
	if _, ok := seen[pmm.Frame(7)]; !ok {
		t.Fatal("expected the huge-page leaf at frame 7 to be reported")
	}
}

func TestSwitchAndGetCurrentAddressSpace(t *testing.T) {
	withAddressSpaceFakes(t)

	target := pmm.Frame(4)
	SwitchAddressSpace(target)

	if got := GetCurrentAddressSpace(); got != target {
		t.Fatalf("expected current address space %v; got %v", target, got)
	}
}

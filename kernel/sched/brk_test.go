package sched

import (
	"testing"
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
)

func TestPageAlign(t *testing.T) {
	cases := []struct{ in, want uintptr }{
		{0, 0},
		{1, uintptr(mem.PageSize)},
		{uintptr(mem.PageSize), uintptr(mem.PageSize)},
		{uintptr(mem.PageSize) + 1, 2 * uintptr(mem.PageSize)},
	}
	for _, c := range cases {
		if got := pageAlign(c.in); got != c.want {
			t.Errorf("pageAlign(%#x) = %#x; want %#x", c.in, got, c.want)
		}
	}
}

func TestAdjustBrkRejectsUnknownTask(t *testing.T) {
	withTestSeams(t)

	if _, err := AdjustBrk(TID(9999), 0x1000); err != errors.ErrNotFound {
		t.Fatalf("expected ErrNotFound for an unknown task; got %v", err)
	}
}

func TestAdjustBrkQueryDirectionDispatch(t *testing.T) {
	withTestSeams(t)

	origGrow, origShrink := growBrkFn, shrinkBrkFn
	t.Cleanup(func() { growBrkFn, shrinkBrkFn = origGrow, origShrink })

	var grew, shrank bool
	growBrkFn = func(pmm.Frame, uintptr, uintptr) error { grew = true; return nil }
	shrinkBrkFn = func(pmm.Frame, uintptr, uintptr) { shrank = true }

	tid, _ := CreateTask([]byte{}, "a", PriorityNormal, nil, nil)
	info, _ := GetTaskByID(tid)
	base := info.Brk // 0x401000 from the test fixture's fake loadImageFn

	// Growing should call growBrkFn only.
	if _, err := AdjustBrk(tid, base+uintptr(mem.PageSize)); err != nil {
		t.Fatalf("AdjustBrk grow: %v", err)
	}
	if !grew || shrank {
		t.Fatalf("expected only growBrkFn called for a growing request; grew=%v shrank=%v", grew, shrank)
	}

	grew, shrank = false, false
	info, _ = GetTaskByID(tid)
	if _, err := AdjustBrk(tid, info.Brk-uintptr(mem.PageSize)); err != nil {
		t.Fatalf("AdjustBrk shrink: %v", err)
	}
	if grew || !shrank {
		t.Fatalf("expected only shrinkBrkFn called for a shrinking request; grew=%v shrank=%v", grew, shrank)
	}
}

func TestAdjustBrkUpdatesTaskBrkOnSuccess(t *testing.T) {
	withTestSeams(t)

	origGrow := growBrkFn
	t.Cleanup(func() { growBrkFn = origGrow })
	growBrkFn = func(pmm.Frame, uintptr, uintptr) error { return nil }

	tid, _ := CreateTask([]byte{}, "a", PriorityNormal, nil, nil)
	info, _ := GetTaskByID(tid)
	newBrk := info.Brk + 0x10000

	got, err := AdjustBrk(tid, newBrk)
	if err != nil {
		t.Fatalf("AdjustBrk: %v", err)
	}
	if got != newBrk {
		t.Errorf("expected the new break %#x returned; got %#x", newBrk, got)
	}
	info, _ = GetTaskByID(tid)
	if info.Brk != newBrk {
		t.Errorf("expected the task's Brk updated to %#x; got %#x", newBrk, info.Brk)
	}
}

func TestAdjustBrkLeavesTaskBrkUnchangedOnGrowFailure(t *testing.T) {
	withTestSeams(t)

	origGrow := growBrkFn
	t.Cleanup(func() { growBrkFn = origGrow })
	growBrkFn = func(pmm.Frame, uintptr, uintptr) error { return errors.ErrOutOfMemory }

	tid, _ := CreateTask([]byte{}, "a", PriorityNormal, nil, nil)
	info, _ := GetTaskByID(tid)
	oldBrk := info.Brk

	got, err := AdjustBrk(tid, oldBrk+0x10000)
	if err != errors.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory surfaced; got %v", err)
	}
	if got != oldBrk {
		t.Errorf("expected the old break %#x returned on failure; got %#x", oldBrk, got)
	}
	info, _ = GetTaskByID(tid)
	if info.Brk != oldBrk {
		t.Errorf("expected the task's Brk left unchanged; got %#x", info.Brk)
	}
}

// withHHDMBackingBuffer points the HHDM offset at an ordinary Go byte slice
// sized to hold maxFrames pages, so growBrk/shrinkBrk's real vmm.MapPage/
// vmm.Translate/vmm.UnmapPage calls land in host memory instead of faulting
// on a bare physical address (the same technique argblock_test.go uses for
// buildArgBlock).
func withHHDMBackingBuffer(t *testing.T, maxFrames int) []byte {
	t.Helper()
	buf := make([]byte, maxFrames*int(mem.PageSize))
	origOffset := boot.HHDMOffset()
	boot.SetHHDMOffset(uintptr(unsafe.Pointer(&buf[0])))
	t.Cleanup(func() { boot.SetHHDMOffset(origOffset) })
	return buf
}

func TestGrowBrkMapsZeroedPresentPages(t *testing.T) {
	withHHDMBackingBuffer(t, 64)

	origFrame := frameAllocOne
	t.Cleanup(func() { frameAllocOne = origFrame })
	next := pmm.Frame(1)
	frameAllocOne = func() (pmm.Frame, *kernel.Error) {
		f := next
		next++
		return f, nil
	}

	pml4 := pmm.Frame(0)
	const base = uintptr(0x10000000)
	if err := growBrk(pml4, base, base+uintptr(mem.PageSize)); err != nil {
		t.Fatalf("growBrk: %v", err)
	}

	phys, err := vmm.Translate(pml4, base)
	if err != nil {
		t.Fatalf("expected the grown page to be mapped: %v", err)
	}
	view := (*[4096]byte)(unsafe.Pointer(boot.PhysToHHDM(phys)))
	for i, b := range view {
		if b != 0 {
			t.Fatalf("expected a freshly grown page to be zeroed; byte %d = %#x", i, b)
		}
	}
}

func TestShrinkBrkUnmapsPages(t *testing.T) {
	withHHDMBackingBuffer(t, 64)

	origFrame := frameAllocOne
	t.Cleanup(func() { frameAllocOne = origFrame })
	next := pmm.Frame(1)
	frameAllocOne = func() (pmm.Frame, *kernel.Error) {
		f := next
		next++
		return f, nil
	}

	pml4 := pmm.Frame(0)
	const base = uintptr(0x20000000)
	if err := growBrk(pml4, base, base+uintptr(mem.PageSize)); err != nil {
		t.Fatalf("growBrk: %v", err)
	}
	shrinkBrk(pml4, base, base+uintptr(mem.PageSize))

	if _, err := vmm.Translate(pml4, base); err == nil {
		t.Fatal("expected the page to be unmapped after shrinkBrk")
	}
}

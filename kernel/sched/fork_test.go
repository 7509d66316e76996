package sched

import (
	"testing"
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

// withForkSeams layers fakes for ForkTask's two composite paging steps on
// top of withTestSeams, restoring the originals on cleanup.
func withForkSeams(t *testing.T) {
	t.Helper()
	withTestSeams(t)

	origCopy, origClone := copyUserStackContentFn, cloneAddressSpaceFn
	t.Cleanup(func() { copyUserStackContentFn, cloneAddressSpaceFn = origCopy, origClone })

	copyUserStackContentFn = func(pmm.Frame, userStack) error { return nil }
	cloneAddressSpaceFn = func(_, _ pmm.Frame, _ userStack) (*forkedImage, error) {
		return &forkedImage{}, nil
	}
}

func TestForkTaskCopiesParentMetadata(t *testing.T) {
	withForkSeams(t)

	parent := GetCurrentTask()
	parent.Brk = 0x500000
	parent.Argv = []string{"arg0"}
	parent.Envp = []string{"HOME=/root"}

	childTID, err := ForkTask(cpu.Context{}, "child")
	if err != nil {
		t.Fatalf("ForkTask: %v", err)
	}
	if childTID == parent.TID {
		t.Fatal("expected the child to get a distinct TID from the parent")
	}

	child, err := GetTaskByID(childTID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if child.Brk != parent.Brk {
		t.Errorf("expected the child to inherit the parent's break %#x; got %#x", parent.Brk, child.Brk)
	}
	if child.State != Ready {
		t.Errorf("expected a forked child to start Ready; got %v", child.State)
	}
	if child.Name != "child" {
		t.Errorf("expected the child's name %q; got %q", "child", child.Name)
	}
}

func TestForkTaskRollsBackOnCopyStackFailure(t *testing.T) {
	withForkSeams(t)

	origCopy := copyUserStackContentFn
	t.Cleanup(func() { copyUserStackContentFn = origCopy })
	copyUserStackContentFn = func(pmm.Frame, userStack) error { return errors.ErrOutOfMemory }

	var unmapped bool
	var deleted pmm.Frame
	origUnmap, origDelete := unmapUserStackFn, deleteAddrSpaceFn
	t.Cleanup(func() { unmapUserStackFn, deleteAddrSpaceFn = origUnmap, origDelete })
	unmapUserStackFn = func(userStack, pmm.Frame) { unmapped = true }
	deleteAddrSpaceFn = func(f pmm.Frame) *kernel.Error { deleted = f; return nil }

	before := len(GetTaskList(maxTasks))

	if _, err := ForkTask(cpu.Context{}, "child"); err != errors.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory surfaced; got %v", err)
	}
	if !unmapped {
		t.Error("expected the child's stack to be torn down on copy failure")
	}
	if deleted == 0 {
		t.Error("expected the child's address space to be deleted on copy failure")
	}
	if len(GetTaskList(maxTasks)) != before {
		t.Error("expected no task published after a rolled-back fork")
	}
}

func TestForkTaskRollsBackOnCloneAddressSpaceFailure(t *testing.T) {
	withForkSeams(t)

	origClone := cloneAddressSpaceFn
	t.Cleanup(func() { cloneAddressSpaceFn = origClone })
	cloneAddressSpaceFn = func(_, _ pmm.Frame, _ userStack) (*forkedImage, error) {
		return nil, errors.ErrOutOfMemory
	}

	var unmapped bool
	var deleted pmm.Frame
	origUnmap, origDelete := unmapUserStackFn, deleteAddrSpaceFn
	t.Cleanup(func() { unmapUserStackFn, deleteAddrSpaceFn = origUnmap, origDelete })
	unmapUserStackFn = func(userStack, pmm.Frame) { unmapped = true }
	deleteAddrSpaceFn = func(f pmm.Frame) *kernel.Error { deleted = f; return nil }

	if _, err := ForkTask(cpu.Context{}, "child"); err != errors.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory surfaced; got %v", err)
	}
	if !unmapped || deleted == 0 {
		t.Error("expected the child's stack and address space torn down on clone failure")
	}
}

func TestForkTaskSetsChildCR3FromChildAddressSpace(t *testing.T) {
	withForkSeams(t)

	origCreate := createAddrSpaceFn
	t.Cleanup(func() { createAddrSpaceFn = origCreate })
	createAddrSpaceFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(9), nil }

	childTID, err := ForkTask(cpu.Context{RAX: 123}, "child")
	if err != nil {
		t.Fatalf("ForkTask: %v", err)
	}
	child, _ := GetTaskByID(childTID)
	if child.Context.CR3 != uint64(pmm.Frame(9).Address()) {
		t.Errorf("expected the child's CR3 set from its own PML4; got %#x", child.Context.CR3)
	}
}

// withHHDMBuffer points the HHDM offset at an ordinary Go byte slice sized
// to hold the given number of pages, so a real (zeroed) page table rooted
// at Frame(0) can be walked without faulting on a bare physical address,
// the same technique brk_test.go's withHHDMBackingBuffer uses.
func withHHDMBuffer(t *testing.T, pages int) {
	t.Helper()
	buf := make([]byte, pages*int(mem.PageSize))
	orig := boot.HHDMOffset()
	boot.SetHHDMOffset(uintptr(unsafe.Pointer(&buf[0])))
	t.Cleanup(func() { boot.SetHHDMOffset(orig) })
}

func TestCopyUserStackContentSkipsUnmappedPages(t *testing.T) {
	withHHDMBuffer(t, 4)

	// The parent's page tables are zeroed and never populated here, so
	// every page of the stack range looks untouched to vmm.Translate; this
	// only exercises the "nothing to copy" branch.
	parentPML4 := pmm.Frame(0)
	const vaddr = uintptr(0x31000000)
	child := userStack{base: vaddr, top: vaddr + uintptr(mem.PageSize), size: mem.PageSize, frames: pmm.Frame(3)}

	if err := copyUserStackContent(parentPML4, child); err != nil {
		t.Fatalf("expected no error copying an untouched stack page; got %v", err)
	}
}

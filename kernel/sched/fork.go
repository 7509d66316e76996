package sched

import (
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
)

var (
	// cloneUserPagesFn is a seam over vmm.CloneUserPages for tests.
	cloneUserPagesFn = vmm.CloneUserPages

	// copyUserStackContentFn and cloneAddressSpaceFn seam the two
	// composite, paging-touching steps of ForkTask, the same way
	// mapUserStackFn wraps mapUserStack: each composes several raw
	// vmm/mem calls that need a real HHDM-backed address space to run
	// safely, so tests fake the whole step rather than the calls inside it.
	copyUserStackContentFn = copyUserStackContent
	cloneAddressSpaceFn    = cloneAddressSpace
)

// forkedImage is the LoadedImage fork installs on the child task: unlike
// *elf.Image, which frees the frames it mapped from a file, this frees the
// frames ForkTask copied from the parent's address space (everything
// outside the task's own contiguous stack allocation, which unmapUserStack
// already tears down the normal way).
type forkedImage struct {
	pages []vmm.ClonedPage
}

func (f *forkedImage) Unload(pml4 pmm.Frame) {
	for _, p := range f.pages {
		_ = vmm.UnmapPage(pml4, p.Vaddr)
		pmm.FrameAllocator.FreeOne(p.Frame)
	}
}

// ForkTask duplicates the currently running task into a brand new task:
// a fresh address space, a fresh contiguous stack (content copied from the
// parent's), and a frame-for-frame copy of every other mapped page (the
// loaded image, heap and any mmap regions). childContext is the CPU state
// to resume the child in; the syscall layer builds it from the Frame/Regs
// the trampoline captured at the trap, since the currently running task's
// saved Context is stale until its next context switch (spec.md §9's
// resolution of sys_fork: the original passes a NULL image to
// scheduler_create_task, which "as written would fail" — this clones the
// live address space instead of loading any ELF image at all).
func ForkTask(childContext cpu.Context, name string) (TID, error) {
	lock.acquire()
	parent := current
	parentPML4 := parent.PML4
	parentBrk := parent.Brk
	lock.release()

	childPML4, kerr := createAddrSpaceFn()
	if kerr != nil {
		return 0, kerr
	}

	childStack, err := mapUserStackFn(childPML4)
	if err != nil {
		_ = deleteAddrSpaceFn(childPML4)
		return 0, err
	}
	if err := copyUserStackContentFn(parentPML4, childStack); err != nil {
		unmapUserStackFn(childStack, childPML4)
		_ = deleteAddrSpaceFn(childPML4)
		return 0, err
	}

	image, err := cloneAddressSpaceFn(parentPML4, childPML4, childStack)
	if err != nil {
		unmapUserStackFn(childStack, childPML4)
		_ = deleteAddrSpaceFn(childPML4)
		return 0, err
	}

	tid, slot := reserveSlot()
	if slot < 0 {
		image.Unload(childPML4)
		unmapUserStackFn(childStack, childPML4)
		_ = deleteAddrSpaceFn(childPML4)
		return 0, errors.ErrNoSlot
	}

	childContext.CR3 = uint64(childPML4.Address())
	t := &Task{
		TID:             tid,
		Name:            truncateName(name),
		State:           Ready,
		BasePriority:    parent.BasePriority,
		DynamicPriority: parent.BasePriority,
		Quantum:         defaultQuantum,
		StartTime:       ticks,
		Argc:            parent.Argc,
		Argv:            parent.Argv,
		Envp:            parent.Envp,
		PML4:            childPML4,
		StackTop:        childStack.top,
		StackSize:       childStack.size,
		stack:           childStack,
		loadedImage:     image,
		Brk:             parentBrk,
		Context:         childContext,
		started:         true, // resumes mid-function via SwitchContext, not at an ELF entry point
	}

	lock.acquire()
	table[slot] = t
	ready.pushBack(t)
	lock.release()

	return tid, nil
}

// copyUserStackContent copies the parent's stack content (identical virtual
// range in every task, since userStackTop is a fixed constant) into the
// freshly allocated child stack frame-by-frame. The guard page below the
// stack is not copied: mapUserStack already mapped a fresh zeroed guard
// page for the child.
func copyUserStackContent(parentPML4 pmm.Frame, child userStack) error {
	for i := uint64(0); i < userStackPages; i++ {
		vaddr := child.base + uintptr(i)*uintptr(mem.PageSize)
		srcPhys, err := vmm.Translate(parentPML4, vaddr)
		if err != nil {
			continue // a never-touched stack page has no parent mapping
		}
		dstFrame := child.frames + pmm.Frame(i)
		mem.CopyPage(boot.PhysToHHDM(dstFrame.Address()), boot.PhysToHHDM(srcPhys), mem.PageSize)
	}
	return nil
}

// cloneAddressSpace walks every user-half leaf mapping in parentPML4 that
// falls outside the stack/guard range and recreates it in childPML4 with a
// freshly allocated, content-copied frame.
func cloneAddressSpace(parentPML4, childPML4 pmm.Frame, childStack userStack) (*forkedImage, error) {
	stackLow := childStack.base - uintptr(mem.PageSize)
	stackHigh := childStack.top

	image := &forkedImage{}
	var cloneErr error

	cloneUserPagesFn(parentPML4, func(p vmm.ClonedPage) {
		if cloneErr != nil {
			return
		}
		if p.Vaddr >= stackLow && p.Vaddr < stackHigh {
			return // already handled by copyUserStackContent
		}

		frame, err := frameAllocOne()
		if err != nil {
			cloneErr = err
			return
		}
		mem.CopyPage(boot.PhysToHHDM(frame.Address()), boot.PhysToHHDM(p.Frame.Address()), mem.PageSize)
		if err := vmm.MapPage(childPML4, p.Vaddr, frame, p.Flags, 0, frameAllocOne); err != nil {
			pmm.FrameAllocator.FreeOne(frame)
			cloneErr = err
			return
		}
		image.pages = append(image.pages, vmm.ClonedPage{Vaddr: p.Vaddr, Frame: frame, Flags: p.Flags})
	})

	if cloneErr != nil {
		image.Unload(childPML4)
		return nil, cloneErr
	}
	return image, nil
}

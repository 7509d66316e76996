package sched

import (
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
)

// growBrkFn and shrinkBrkFn seam the paging-touching halves of AdjustBrk,
// the same way mapUserStackFn wraps mapUserStack, so tests can drive
// AdjustBrk's task-lookup/direction logic without a real address space.
var (
	growBrkFn   = growBrk
	shrinkBrkFn = shrinkBrk
)

// AdjustBrk grows or shrinks tid's heap to newBrk, mapping freshly zeroed
// pages on growth and unmapping+freeing them on shrink, then updates and
// returns the task's new break. newBrk is rounded up to the next page
// boundary for mapping purposes, mirroring the original core's sys_brk,
// which only ever maps/unmaps whole pages.
func AdjustBrk(tid TID, newBrk uintptr) (uintptr, error) {
	lock.acquire()
	t := lookupLocked(tid)
	if t == nil {
		lock.release()
		return 0, errors.ErrNotFound
	}
	pml4, oldBrk := t.PML4, t.Brk
	lock.release()

	oldPage := pageAlign(oldBrk)
	newPage := pageAlign(newBrk)

	switch {
	case newPage > oldPage:
		if err := growBrkFn(pml4, oldPage, newPage); err != nil {
			return oldBrk, err
		}
	case newPage < oldPage:
		shrinkBrkFn(pml4, newPage, oldPage)
	}

	lock.acquire()
	t.Brk = newBrk
	lock.release()
	return newBrk, nil
}

func pageAlign(addr uintptr) uintptr {
	return (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
}

func growBrk(pml4 pmm.Frame, from, to uintptr) error {
	for addr := from; addr < to; addr += uintptr(mem.PageSize) {
		frame, err := frameAllocOne()
		if err != nil {
			shrinkBrk(pml4, from, addr) // roll back what this call mapped
			return err
		}
		mem.Memset(boot.PhysToHHDM(frame.Address()), 0, mem.PageSize)
		if err := vmm.MapPage(pml4, addr, frame, vmm.Present|vmm.Writable|vmm.User, 0, frameAllocOne); err != nil {
			pmm.FrameAllocator.FreeOne(frame)
			shrinkBrk(pml4, from, addr)
			return err
		}
	}
	return nil
}

func shrinkBrk(pml4 pmm.Frame, to, from uintptr) {
	for addr := to; addr < from; addr += uintptr(mem.PageSize) {
		if phys, err := vmm.Translate(pml4, addr); err == nil {
			pmm.FrameAllocator.FreeOne(pmm.FrameFromAddress(phys))
		}
		_ = vmm.UnmapPage(pml4, addr)
	}
}

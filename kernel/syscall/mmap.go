package syscall

import (
	"sync/atomic"

	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
	"github.com/VoltagedDebunked/kronosos/kernel/sched"
)

// mmap/munmap call vmm.AllocateUser/vmm.FreeUser with USER|WRITABLE,
// scoped to the calling task's own PML4 rather than the kernel arena
// (spec.md §6: "mmap/munmap call vmm.map_physical/vmm.unmap_physical with
// USER|WRITABLE; there is no file-backed mapping semantics" — read here as
// anonymous-only memory, since nothing in this core's syscall table
// supports a file-backed path). munmap needs to know each region's size to
// free it, so every successful mmap is recorded in regions, keyed by task
// and base address.
type regionKey struct {
	tid  sched.TID
	addr uintptr
}

var (
	regionLock lock32
	regions    = map[regionKey]mem.Size{}

	// allocateUserFn and freeUserFn seam over the VMM's user-arena calls so
	// this bookkeeping can be tested without a real address space.
	allocateUserFn = vmm.AllocateUser
	freeUserFn     = vmm.FreeUser
)

// lock32 is the same busy-wait spinlock idiom sched uses for its task
// table, sized for the small, short-held mmap region map.
type lock32 struct{ state uint32 }

func (l *lock32) acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
}

func (l *lock32) release() { atomic.StoreUint32(&l.state, 0) }

func sysMmap(_ *Frame, regs *Regs) (uint64, error) {
	length := mem.Size(regs.RSI)
	t := getCurrentTaskFn()

	virt, err := allocateUserFn(t.PML4, length, vmm.Present|vmm.Writable|vmm.User)
	if err != nil {
		return 0, err
	}

	regionLock.acquire()
	regions[regionKey{tid: t.TID, addr: virt}] = length
	regionLock.release()

	return uint64(virt), nil
}

// cleanupRegions drops every mmap region a terminated task still held; its
// frames are already reclaimed in bulk by TerminateTask tearing down the
// whole address space, so this only needs to forget the bookkeeping.
func cleanupRegions(tid sched.TID) {
	regionLock.acquire()
	for k := range regions {
		if k.tid == tid {
			delete(regions, k)
		}
	}
	regionLock.release()
}

func sysMunmap(_ *Frame, regs *Regs) (uint64, error) {
	addr := uintptr(regs.RDI)
	t := getCurrentTaskFn()

	regionLock.acquire()
	key := regionKey{tid: t.TID, addr: addr}
	length, ok := regions[key]
	if ok {
		delete(regions, key)
	}
	regionLock.release()

	if !ok {
		return 0, errNotMapped
	}
	freeUserFn(t.PML4, addr, length)
	return 0, nil
}

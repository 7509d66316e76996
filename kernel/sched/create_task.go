package sched

import (
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
)

const (
	userStackPages = uint64(16) // 64 KiB
	userStackTop   = uintptr(0x00007ffffffff000)
)

// LoadedImage is the handle an ImageLoader returns for a loaded ELF image:
// just enough to tear it back down again. *elf.Image satisfies this with
// no glue code, so the scheduler never needs to import kernel/exec/elf
// directly — exec/elf is wired in by kmain calling SetImageLoader, the
// same dependency-injection seam the VMM uses for SetFrameAllocator.
type LoadedImage interface {
	Unload(pml4 pmm.Frame)
}

// ImageLoader loads an ELF image into pml4's user half and returns the
// entry point, the highest mapped address (used for brk bookkeeping) and a
// handle TerminateTask uses to free the segments' frames. DeleteAddressSpace
// only reclaims intermediate page-table frames, never the terminal data
// frames a leaf mapping points at, so skipping the Unload call here would
// leak every loaded segment's physical frames.
type ImageLoader func(pml4 pmm.Frame, image []byte) (entry uintptr, topAddr uintptr, loaded LoadedImage, err error)

var (
	errNoImageLoader = errors.KernelError("no ELF image loader installed")
	loadImageFn      ImageLoader = func(pmm.Frame, []byte) (uintptr, uintptr, LoadedImage, error) {
		return 0, 0, nil, errNoImageLoader
	}

	createAddrSpaceFn = vmm.CreateAddressSpace
	mapUserStackFn    = mapUserStack
	unmapUserStackFn  = unmapUserStack
)

// SetImageLoader installs the ELF loader CreateTask uses.
func SetImageLoader(fn ImageLoader) { loadImageFn = fn }

// CreateTask allocates a task slot, a fresh address space, a guarded user
// stack, loads elfImage into it, builds the initial argv/envp block and
// enqueues the task Ready (spec.md §4.5). Any failure rolls back every
// resource already acquired and returns 0.
func CreateTask(elfImage []byte, name string, priority Priority, argv, envp []string) (TID, error) {
	pml4, err := createAddrSpaceFn()
	if err != nil {
		return 0, err
	}

	stack, err := mapUserStackFn(pml4)
	if err != nil {
		_ = deleteAddrSpaceFn(pml4)
		return 0, err
	}

	entry, topAddr, loaded, err := loadImageFn(pml4, elfImage)
	if err != nil {
		unmapUserStackFn(stack, pml4)
		_ = deleteAddrSpaceFn(pml4)
		return 0, err
	}

	tid, slot := reserveSlot()
	if slot < 0 {
		if loaded != nil {
			loaded.Unload(pml4)
		}
		unmapUserStackFn(stack, pml4)
		_ = deleteAddrSpaceFn(pml4)
		return 0, errors.ErrNoSlot
	}

	rsp, argc := buildArgBlock(stack, argv, envp)

	t := &Task{
		TID:             tid,
		Name:            truncateName(name),
		State:           New,
		BasePriority:    priority,
		DynamicPriority: priority,
		Quantum:         defaultQuantum,
		StartTime:       ticks,
		Argc:            argc,
		Argv:            argv,
		Envp:            envp,
		PML4:            pml4,
		StackTop:        stack.top,
		StackSize:       stack.size,
		stack:           stack,
		loadedImage:     loaded,
		Brk:             topAddr,
	}
	t.Context.RIP = uint64(entry)
	t.Context.RSP = uint64(rsp)
	t.Context.CS = cpu.SelectorUserCode | 3
	t.Context.SS = cpu.SelectorUserData | 3
	t.Context.DS = cpu.SelectorUserData | 3
	t.Context.ES = cpu.SelectorUserData | 3
	t.Context.FS = cpu.SelectorUserData | 3
	t.Context.GS = cpu.SelectorUserData | 3
	t.Context.RFLAGS = cpu.RFlagsInterruptEnable
	t.Context.CR3 = uint64(pml4.Address())

	lock.acquire()
	table[slot] = t
	t.State = Ready
	ready.pushBack(t)
	lock.release()

	return tid, nil
}

// ExecuteTask sets argc/argv/envp on a Ready task and dispatches it
// immediately by moving it to the front of the ready queue and rescheduling.
func ExecuteTask(tid TID, argv, envp []string) error {
	lock.acquire()
	t := lookupLocked(tid)
	if t == nil {
		lock.release()
		return errors.ErrNotFound
	}
	if t.State != Ready {
		lock.release()
		return errors.ErrNotReady
	}
	ready.remove(t)
	t.Argc = int32(len(argv))
	t.Argv, t.Envp = argv, envp
	t.prev, t.next = nil, ready.head
	if ready.head != nil {
		ready.head.prev = t
	} else {
		ready.tail = t
	}
	ready.head = t
	lock.release()

	scheduleNext()
	return nil
}

// reserveSlot issues the next TID and finds a free task-table slot for it,
// without yet publishing the task (CreateTask fills table[slot] once the
// Task is fully built, so a partially-constructed task is never visible).
func reserveSlot() (TID, int) {
	lock.acquire()
	defer lock.release()

	for slot := 1; slot < maxTasks; slot++ {
		if table[slot] == nil {
			tid := nextTID
			nextTID++
			if nextTID == 0 {
				nextTID = 1
			}
			return tid, slot
		}
	}
	return 0, -1
}

// userStack is the bookkeeping CreateTask needs to build the argument block
// and, later, to tear the stack down: the data frames backing it belong to
// the task's own address space, not the kernel arena, so they can't be
// returned through vmm.Free (which only ever targets kernelPML4).
type userStack struct {
	base       uintptr
	top        uintptr
	size       mem.Size
	frames     pmm.Frame
	guardFrame pmm.Frame
}

func unmapUserStack(s userStack, pml4 pmm.Frame) {
	_ = vmm.UnmapPage(pml4, s.base-uintptr(mem.PageSize))
	_ = vmm.UnmapPages(pml4, s.base, userStackPages)
	pmm.FrameAllocator.FreeOne(s.guardFrame)
	pmm.FrameAllocator.FreeContig(s.frames, userStackPages)
}

func mapUserStack(pml4 pmm.Frame) (userStack, error) {
	stackSize := mem.Size(userStackPages) * mem.PageSize
	stackBase := userStackTop - uintptr(stackSize)
	guardBase := stackBase - uintptr(mem.PageSize)

	frames, err := pmm.FrameAllocator.AllocContig(userStackPages)
	if err != nil {
		return userStack{}, err
	}
	for i := uint64(0); i < userStackPages; i++ {
		f := frames + pmm.Frame(i)
		mem.Memset(boot.PhysToHHDM(f.Address()), 0, mem.PageSize)
	}
	if err := vmm.MapPages(pml4, stackBase, frames, userStackPages, vmm.Present|vmm.Writable|vmm.User, frameAllocOne); err != nil {
		pmm.FrameAllocator.FreeContig(frames, userStackPages)
		return userStack{}, err
	}

	guardFrame, err := frameAllocOne()
	if err != nil {
		_ = vmm.UnmapPages(pml4, stackBase, userStackPages)
		pmm.FrameAllocator.FreeContig(frames, userStackPages)
		return userStack{}, err
	}
	mem.Memset(boot.PhysToHHDM(guardFrame.Address()), 0, mem.PageSize)
	if err := vmm.MapPage(pml4, guardBase, guardFrame, vmm.Present|vmm.User, 0, frameAllocOne); err != nil {
		pmm.FrameAllocator.FreeOne(guardFrame)
		_ = vmm.UnmapPages(pml4, stackBase, userStackPages)
		pmm.FrameAllocator.FreeContig(frames, userStackPages)
		return userStack{}, err
	}

	return userStack{
		base:       stackBase,
		top:        stackBase + uintptr(stackSize),
		size:       stackSize,
		frames:     frames,
		guardFrame: guardFrame,
	}, nil
}

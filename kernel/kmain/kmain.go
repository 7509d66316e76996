package kmain

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/exec/elf"
	"github.com/VoltagedDebunked/kronosos/kernel/goruntime"
	"github.com/VoltagedDebunked/kronosos/kernel/irq"
	"github.com/VoltagedDebunked/kronosos/kernel/kfmt/early"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
	"github.com/VoltagedDebunked/kronosos/kernel/sched"
	"github.com/VoltagedDebunked/kronosos/kernel/syscall"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol visible from the rt0 trampoline. By the time
// it runs, the trampoline has already populated kernel/boot's memory map,
// HHDM offset, kernel load addresses and framebuffer descriptor from the
// bootloader's Limine response structs, the same way its package doc
// describes (SetMemoryMap et al. "called once, from the rt0 trampoline,
// before any other function in this package is used"). multibootInfoPtr,
// kernelStart and kernelEnd are kept as parameters only for ABI
// compatibility with that trampoline; this kernel reads its boot payload
// through the typed kernel/boot accessors rather than a multiboot tag
// stream or a second copy of the kernel's load bounds.
//
// The boot order follows spec.md §2: GDT, then IDT+PIC, then the physical
// frame allocator, then the VMM, then the Go allocator shims, then the
// scheduler and syscall gate. Each stage depends on every stage before it:
// the VMM needs a live PFA to allocate page tables from, and the
// scheduler needs a live VMM to hand tasks their own address spaces.
//
// Kmain is not expected to return. If it does, the rt0 stub halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	_, _, _ = multibootInfoPtr, kernelStart, kernelEnd

	cpu.InitGDT()
	irq.InitIDT()
	irq.RemapPIC()

	var err *kernel.Error
	if err = pmm.Init(); err != nil {
		kernel.Panic(err)
	} else if err = vmm.Init(); err != nil {
		kernel.Panic(err)
	} else if err = goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	early.Printf("[kmain] allocator and address space online, HHDM offset %x\n", boot.HHDMOffset())

	// elf.LoadImage returns a concrete *elf.Image rather than the
	// sched.LoadedImage interface directly (kernel/exec/elf has no reason
	// to import kernel/sched just to name its own return type), so the two
	// func types aren't identical and can't be assigned to ImageLoader
	// without this one-line adapter.
	sched.SetImageLoader(func(pml4 pmm.Frame, image []byte) (uintptr, uintptr, sched.LoadedImage, error) {
		return elf.LoadImage(pml4, image)
	})
	if err := sched.Init(); err != nil {
		kernel.Panic(err)
	}
	syscall.Init(cpu.SelectorKernelCode, cpu.SelectorUserCode)

	early.Printf("[kmain] scheduler and syscall gate online\n")

	// No block or character driver is wired in here: spec.md §1 keeps
	// device drivers out of the core's implementation scope, so there is
	// no FileSystem yet to load an initial task's image from. The
	// scheduler idles on its own idle task, woken purely by the timer IRQ,
	// until a future driver installs a real kernel/syscall.FileSystem and
	// CreateTask is called with a loaded workload.
	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}

	kernel.Panic(errKmainReturned)
}

package vmm

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/irq"
	"github.com/VoltagedDebunked/kronosos/kernel/kfmt/early"
)

// pageFaultHandler implements spec.md's fatal-only #PF policy: no
// demand-paging, no copy-on-write, a page fault with no mapping is always
// unrecoverable. It reads CR2, logs the faulting address, the decoded
// reason bits, the translation attempt and full register/frame state, then
// halts.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := readCR2Fn()

	early.Printf("\npage fault at %x\nreason: ", faultAddress)
	switch errorCode {
	case 0:
		early.Printf("read from non-present page")
	case 1:
		early.Printf("page protection violation (read)")
	case 2:
		early.Printf("write to non-present page")
	case 3:
		early.Printf("page protection violation (write)")
	case 4:
		early.Printf("fault in user mode")
	case 8:
		early.Printf("page table has reserved bit set")
	case 16:
		early.Printf("instruction fetch")
	default:
		early.Printf("unknown, code=%x", errorCode)
	}

	// The fault may have occurred in a task's own address space rather than
	// the kernel's, so the diagnostic translation must walk whatever CR3
	// was live at fault time, not always kernelPML4.
	if phys, translErr := Translate(GetCurrentAddressSpace(), faultAddress); translErr == nil {
		early.Printf("\ntranslation: %x -> %x", faultAddress, phys)
	} else {
		early.Printf("\nno mapping for this address")
	}

	early.Printf("\n\nregisters:\n")
	regs.Print()
	frame.Print()

	panicFn(&kernel.Error{Module: "vmm", Message: "unrecoverable page fault"})
}

// generalProtectionFaultHandler logs the faulting context and halts; a #GP
// is always fatal, including one raised by a ring-3 task.
func generalProtectionFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	early.Printf("\ngeneral protection fault, selector error code %x\n", errorCode)
	early.Printf("registers:\n")
	regs.Print()
	frame.Print()

	panicFn(&kernel.Error{Module: "vmm", Message: "unrecoverable general protection fault"})
}

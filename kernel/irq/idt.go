package irq

import (
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/kfmt/early"
)

// idtEntry is a 64-bit interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	_          uint32
}

const (
	gateTypeInterrupt = 0xE // 64-bit interrupt gate
	gatePresent       = 1 << 7
	idtSize           = 256
)

var (
	idt     [idtSize]idtEntry
	idtSnap [idtSize]idtEntry

	errIDTCorrupt = &kernel.Error{Module: "irq", Message: "IDT integrity check failed"}
)

func makeGate(handlerAddr uintptr, selector uint16) idtEntry {
	return idtEntry{
		offsetLow:  uint16(handlerAddr),
		selector:   selector,
		ist:        0,
		typeAttr:   gatePresent | gateTypeInterrupt,
		offsetMid:  uint16(handlerAddr >> 16),
		offsetHigh: uint32(handlerAddr >> 32),
	}
}

// SetGate installs a raw handler address at the given vector, such as an
// assembly trampoline (a stub that saves Frame/Regs and calls into the
// Go-registered handler table from HandleException/HandleExceptionWithCode/
// HandleIRQ). InitIDT does not call it.
func SetGate(vector uint8, handlerAddr uintptr) {
	idt[vector] = makeGate(handlerAddr, cpu.SelectorKernelCode)
}

type idtPointer struct {
	limit uint16
	base  uint64
}

// InitIDT installs the 256-entry IDT built by SetGate calls and loads it via
// LIDT. It must run once at boot, after InitGDT (the gates reference the
// kernel code selector) and before interrupts are enabled.
func InitIDT() {
	ptr := idtPointer{
		limit: uint16(unsafe.Sizeof(idt) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&idt[0]))),
	}
	cpu.LoadIDT(uintptr(unsafe.Pointer(&ptr)))

	idtSnap = idt
	early.Printf("[irq] installed %d IDT gates\n", idtSize)
}

// CheckIntegrity compares the live IDT against the snapshot saved at
// InitIDT time, mirroring the GDT's self-verification scheme.
func CheckIntegrity() bool {
	return idt == idtSnap
}

// Recover re-installs the IDT from the snapshot taken at InitIDT time.
func Recover() *kernel.Error {
	empty := true
	for _, e := range idtSnap {
		if e != (idtEntry{}) {
			empty = false
			break
		}
	}
	if empty {
		return errIDTCorrupt
	}
	idt = idtSnap
	ptr := idtPointer{
		limit: uint16(unsafe.Sizeof(idt) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&idt[0]))),
	}
	cpu.LoadIDT(uintptr(unsafe.Pointer(&ptr)))
	return nil
}

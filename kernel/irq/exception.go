// Package irq manages the IDT: CPU exception vectors 0-31 and the PIC-driven
// hardware IRQ vectors 32-47 described in spec.md §4.4. Its Regs/Frame types
// and the HandleException/HandleExceptionWithCode registration functions
// mirror gopheros/kernel/irq verbatim (they are asm-backed: the common
// interrupt stub saves Regs/Frame to the stack and calls the registered
// handler, so these functions have no Go body here either). InitIDT, the PIC
// remap and the IRQ dispatch helpers are new, built for the fuller vector
// range and the edge-triggered PIC spec.md calls for.
package irq

import "github.com/VoltagedDebunked/kronosos/kernel/kfmt/early"

// Regs contains a snapshot of the general-purpose register values at the
// moment an interrupt occurred.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Print outputs a dump of the register values via the installed early Sink.
func (r *Regs) Print() {
	early.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	early.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	early.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	early.Printf("RBP = %16x\n", r.RBP)
	early.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	early.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	early.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	early.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame describes the exception frame the CPU automatically pushes to the
// stack when an exception or interrupt occurs.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print outputs a dump of the exception frame via the installed early Sink.
func (f *Frame) Print() {
	early.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	early.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	early.Printf("RFL = %16x\n", f.RFlags)
}

// ExceptionNum identifies one of the 32 CPU-reserved interrupt vectors.
type ExceptionNum uint8

// The full set of x86_64 CPU exceptions, per spec.md §4.4's IDT layout.
const (
	DivideByZeroException      = ExceptionNum(0)
	DebugException             = ExceptionNum(1)
	NMIException               = ExceptionNum(2)
	BreakpointException        = ExceptionNum(3)
	OverflowException          = ExceptionNum(4)
	BoundRangeExceededException = ExceptionNum(5)
	InvalidOpcodeException      = ExceptionNum(6)
	DeviceNotAvailableException = ExceptionNum(7)
	DoubleFault                  = ExceptionNum(8)
	InvalidTSSException          = ExceptionNum(10)
	SegmentNotPresentException   = ExceptionNum(11)
	StackSegmentFaultException   = ExceptionNum(12)
	GPFException                 = ExceptionNum(13)
	PageFaultException           = ExceptionNum(14)
	X87FloatingPointException    = ExceptionNum(16)
	AlignmentCheckException      = ExceptionNum(17)
	MachineCheckException        = ExceptionNum(18)
	SIMDFloatingPointException   = ExceptionNum(19)
	VirtualizationException     = ExceptionNum(20)
	SecurityException           = ExceptionNum(30)
)

// ExceptionHandler handles an exception that does not push an error code.
// If the handler returns, any modification it made to Frame/Regs is
// propagated back to the location where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code
// (e.g. #PF, #GP). Same return semantics as ExceptionHandler.
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

// HandleException registers an exception handler (without an error code)
// for the given vector. Declared without a body: the common exception stub
// (assembly) consults the table this populates before dispatching.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler)

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given vector.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode)

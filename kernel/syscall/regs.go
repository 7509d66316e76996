// Package syscall implements the SYSCALL/SYSRET gate described in spec.md
// §4.7: MSR setup, the dispatch table, and the handlers for the syscall
// numbers listed in §6. The trampoline itself stays in hand-written
// assembly per spec.md's design note ("its exact register sequence...
// is part of the ABI"); Regs/Frame below are its calling convention with
// the dispatcher, mirroring the irq package's own Frame/Regs split for the
// IDT-driven interrupt path.
package syscall

// Regs is the general-purpose register snapshot the trampoline pushes
// before calling the dispatcher. RCX holds the 4th syscall argument (moved
// there from R10 by the trampoline to match the SysV calling convention the
// dispatcher expects), not the user return address — that one is saved
// separately in Frame.RIP before the move clobbers the real RCX.
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

// Frame is the user-mode return context the trampoline saves before
// entering the dispatcher: the RIP/RFLAGS SYSCALL would otherwise have
// clobbered into RCX/R11, plus the stack/segment pair SYSRET restores.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

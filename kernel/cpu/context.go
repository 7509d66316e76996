package cpu

// Context captures the CPU state of a single task, as described in
// spec.md §3 ("CPU Context"): full general-purpose register file, segment
// selectors, instruction/stack pointers, flags and the address space (CR3)
// the task runs in.
type Context struct {
	// General purpose registers, SysV order.
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RBP, RDI, RSI, RDX, RCX, RBX, RAX    uint64

	RIP    uint64
	CS     uint64
	RFLAGS uint64
	RSP    uint64
	SS     uint64

	DS, ES, FS, GS uint64

	// CR3 is the physical address of the task's PML4; switching to this
	// context also switches address spaces.
	CR3 uint64
}

// User-mode RFLAGS/selector constants referenced when building a fresh task
// context (spec.md §4.5: "RFLAGS = 0x202").
const (
	// RFlagsInterruptEnable is every task's initial RFLAGS: the IF bit
	// (0x200) plus the always-set reserved bit 1 (0x2), so each task
	// starts with interrupts enabled.
	RFlagsInterruptEnable = 0x202
)

// SwitchContext saves the callee-save subset of prev (per SysV) onto its
// own stack and restores next, including CR3, returning once next yields
// control back. This is the routine referenced as task_switch_context in
// spec.md §9's open questions; it has no Go body and must be supplied in
// assembly because the exact save/restore register sequence is part of the
// scheduler's ABI with the CPU.
func SwitchContext(prev, next *Context)

// RestoreContext is a one-shot entry point used the first time a freshly
// created task runs: it loads next's full context (not just the
// callee-save subset) and executes IRET/SYSRET as appropriate to land in
// user mode at the task's entry point. This is task_restore_context from
// spec.md §9; like SwitchContext it is asm-backed.
func RestoreContext(next *Context)

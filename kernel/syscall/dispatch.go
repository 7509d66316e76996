package syscall

import (
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
)

// entryTrampoline is the SYSCALL entry point programmed into LSTAR: it
// swaps to the kernel stack via SWAPGS, saves Regs and Frame (moving the
// 4th argument from R10 into RCX to match the SysV convention Dispatch
// expects), calls Dispatch, restores the (possibly modified) state and
// executes SYSRETQ. Its exact register sequence is part of the CPU's ABI
// with the kernel and has no Go body, the same way SwitchContext and the
// IDT's common interrupt stub don't.
func entryTrampoline()

// trampolineAddr resolves entryTrampoline's link-time address for
// InitSyscallGate, which needs a concrete uintptr to program into LSTAR.
func trampolineAddr() uintptr

// rflagsClearMask is the value written to FMASK: IF and DF are cleared on entry, so
// the trampoline runs with interrupts off until it has finished saving
// state (spec.md's non-reentrant gate requirement) and with a known
// direction-flag state regardless of what the calling task left it at.
const rflagsClearMask = cpu.SyscallFMask

// Init programs the SYSCALL/SYSRET MSRs, pointing LSTAR at the trampoline
// and STAR at the kernel/user code selector pairs. It must run after
// InitGDT (the selectors it derives segment loads from must already be
// valid) and before any task reaches user mode.
func Init(kernelCS, userCS uint16) {
	cpu.InitSyscallGate(trampolineAddr(), kernelCS, userCS, rflagsClearMask)
}

// handler is one syscall table entry: given the trap-time Frame/Regs,
// return the value to place in RAX (errors are returned as negative errno
// analogues via errnoFor, matching the Linux x86-64 convention the original
// core's syscalls.c table uses).
type handler func(frame *Frame, regs *Regs) (uint64, error)

var table = map[Number]handler{
	SysRead:     sysRead,
	SysWrite:    sysWrite,
	SysOpen:     sysOpen,
	SysClose:    sysClose,
	SysFstat:    sysFstat,
	SysLseek:    sysLseek,
	SysMmap:     sysMmap,
	SysMunmap:   sysMunmap,
	SysBrk:      sysBrk,
	SysGetpid:   sysGetpid,
	SysFork:     sysFork,
	SysExecve:   sysExecve,
	SysExit:     sysExit,
	SysWaitpid:  sysWaitpid,
	SysGetdents: sysGetdents,
	SysGetcwd:   sysGetcwd,
	SysChdir:    sysChdir,
	SysMkdir:    sysMkdir,
	SysRmdir:    sysRmdir,
	SysUnlink:   sysUnlink,
}

// Dispatch is entryTrampoline's sole call into Go: it looks up regs.RAX in
// the syscall table and runs the handler, writing its result (or the
// negated errno for a failure) back into regs.RAX for SYSRETQ to hand back
// to userspace. Unlike the IRQ path, syscalls have exactly one registered
// handler per number rather than a dynamic registration table, since the
// set of syscall numbers is fixed ABI rather than something drivers extend
// at runtime.
func Dispatch(frame *Frame, regs *Regs) {
	h, ok := table[Number(regs.RAX)]
	if !ok {
		regs.RAX = errnoFor(errors.ErrUnknownSyscall)
		return
	}

	ret, err := h(frame, regs)
	if err != nil {
		regs.RAX = errnoFor(err)
		return
	}
	regs.RAX = ret
}

// errnoFor converts a kernel error into the negated-small-integer errno
// convention sys_write et al. use to signal failure in RAX.
func errnoFor(err error) uint64 {
	switch err {
	case errors.ErrNotFound:
		return negErrno(2) // ENOENT
	case errors.ErrInvalidParamValue, errors.ErrInvalidAddress:
		return negErrno(22) // EINVAL
	case errors.ErrOutOfMemory:
		return negErrno(12) // ENOMEM
	case errors.ErrIoError:
		return negErrno(5) // EIO
	case errors.ErrNoSlot:
		return negErrno(11) // EAGAIN
	case errors.ErrUnknownSyscall:
		return negErrno(38) // ENOSYS
	case errNotMapped:
		return negErrno(22) // EINVAL
	case errNoFileSystem:
		return negErrno(5) // EIO
	default:
		return negErrno(5) // EIO
	}
}

func negErrno(n uint64) uint64 {
	return ^n + 1 // two's complement negation, staying in uint64 per RAX width
}

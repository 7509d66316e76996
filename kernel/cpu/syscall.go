package cpu

// Model-specific register indices used to configure the SYSCALL/SYSRET
// fast system-call gate (spec.md §6). Constant values per the x86_64
// architecture manual; the EFER bit layout mirrors the EFERx constants
// in bobuhiro11-gokvm's machine package.
const (
	msrEFER  = 0xC0000080
	msrSTAR  = 0xC0000081
	msrLSTAR = 0xC0000082
	msrFMASK = 0xC0000084

	eferSCE = 1 << 0 // SYSCALL Enable
)

// SyscallFMask is the FMASK value spec.md §4.7 requires: IF|DF, so SYSCALL
// entry always clears interrupts and the direction flag regardless of what
// the calling task's RFLAGS held. It is a fixed MSR value, not a task's
// RFLAGS snapshot, so it is kept separate from RFlagsInterruptEnable.
const SyscallFMask = rflagsIF | rflagsDF

const (
	rflagsIF = 1 << 9
	rflagsDF = 1 << 10
)

// InitSyscallGate programs STAR/LSTAR/FMASK and sets EFER.SCE so that the
// SYSCALL instruction transfers control to entryPoint with kernelCS/
// kernelSS loaded from the selectors the CPU derives from STAR, and
// SYSRET returns to userCS/userSS. rflagsMask is written to FMASK as is: any bit
// set there is cleared from RFLAGS on entry (spec.md mandates IF at
// least, so interrupts stay disabled until the trampoline re-enables
// them after saving the caller's state).
func InitSyscallGate(entryPoint uintptr, kernelCS, userCS uint16, rflagsMask uint64) {
	// STAR[47:32] = kernel CS (SS = kernelCS+8), STAR[63:48] = user CS
	// base used for SYSRET (SS = userCS+8, CS = userCS+16), per the
	// SYSCALL/SYSRET selector convention.
	star := (uint64(kernelCS) << 32) | (uint64(userCS) << 48)
	WRMSR(msrSTAR, star)
	WRMSR(msrLSTAR, uint64(entryPoint))
	WRMSR(msrFMASK, rflagsMask)

	efer := RDMSR(msrEFER)
	WRMSR(msrEFER, efer|eferSCE)
}

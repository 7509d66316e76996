package syscall

import (
	"github.com/VoltagedDebunked/kronosos/kernel/cpu"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/sched"
)

// These are seams over sched's process-control surface, the same DI
// pattern sched itself uses for its hardware-touching calls: they let the
// handlers below be driven against a fake scheduler in tests instead of
// requiring a real task table and address-space machinery.
var (
	terminateTaskFn = sched.TerminateTask
	yieldFn         = sched.Yield
	adjustBrkFn     = sched.AdjustBrk
	forkTaskFn      = sched.ForkTask
	execImageFn     = sched.ExecImage
	reapTaskFn      = sched.ReapTask
	getTaskByIDFn   = sched.GetTaskByID
)

func sysGetpid(_ *Frame, _ *Regs) (uint64, error) {
	return uint64(getCurrentTaskFn().TID), nil
}

func sysExit(_ *Frame, regs *Regs) (uint64, error) {
	t := getCurrentTaskFn()
	fs.OnTaskExit(TID(t.TID))
	cleanupRegions(t.TID)
	_ = terminateTaskFn(t.TID, int32(regs.RDI))
	yieldFn()
	return 0, nil // unreachable once Yield hands off to another task
}

// sysBrk grows or shrinks the calling task's heap by mapping or unmapping
// whole pages between the current break and the requested one, returning
// the new break (or the current one, unchanged, for a query/invalid
// request) the way the original core's sys_brk does.
func sysBrk(_ *Frame, regs *Regs) (uint64, error) {
	t := getCurrentTaskFn()
	requested := uintptr(regs.RDI)
	if requested == 0 || requested == t.Brk {
		return uint64(t.Brk), nil
	}
	newBrk, err := adjustBrkFn(t.TID, requested)
	if err != nil {
		return uint64(t.Brk), nil
	}
	return uint64(newBrk), nil
}

// sysFork builds the child's initial CPU context from the trap-time
// Frame/Regs (the running task's own saved Context is stale between
// context switches) and hands it to sched.ForkTask, which clones the
// address space. RAX=0 in the child, per the fork() ABI; the parent gets
// the child's TID back through the normal return path below.
func sysFork(frame *Frame, regs *Regs) (uint64, error) {
	child := cpu.Context{
		R15: regs.R15, R14: regs.R14, R13: regs.R13, R12: regs.R12,
		R11: regs.R11, R10: regs.R10, R9: regs.R9, R8: regs.R8,
		RBP: regs.RBP, RDI: regs.RDI, RSI: regs.RSI, RDX: regs.RDX,
		RCX: regs.RCX, RBX: regs.RBX,
		RAX: 0, // fork() returns 0 in the child
		RIP: frame.RIP,
		CS:  cpu.SelectorUserCode | 3,
		RFLAGS: frame.RFlags,
		RSP:    frame.RSP,
		SS:     cpu.SelectorUserData | 3,
		DS:     cpu.SelectorUserData | 3,
		ES:     cpu.SelectorUserData | 3,
		FS:     cpu.SelectorUserData | 3,
		GS:     cpu.SelectorUserData | 3,
	}

	tid, err := forkTaskFn(child, getCurrentTaskFn().Name)
	if err != nil {
		return 0, err
	}
	return uint64(tid), nil
}

// sysExecve loads a new image into the calling task in place (spec.md §9's
// resolution of sys_execve) and rewrites the trap-time Frame so SYSRETQ
// lands directly in the new program instead of returning to the caller of
// execve — execve never returns on success.
func sysExecve(frame *Frame, regs *Regs) (uint64, error) {
	path := userCString(uintptr(regs.RDI))
	image, err := loadExecutable(path)
	if err != nil {
		return 0, err
	}
	argv := userStringVector(uintptr(regs.RSI))
	envp := userStringVector(uintptr(regs.RDX))

	entry, rsp, err := execImageFn(image, argv, envp)
	if err != nil {
		return 0, err
	}
	frame.RIP = uint64(entry)
	frame.RSP = uint64(rsp)
	return 0, nil
}

// sysWaitpid busy-yields until the target task is Terminated, per spec.md's
// §6 description of waitpid, then reaps its exit code and frees its task
// slot. It only supports waiting for a specific TID (pid > 0); the
// original core's wildcard/process-group forms are out of scope, matching
// this core's lack of process groups entirely.
func sysWaitpid(_ *Frame, regs *Regs) (uint64, error) {
	pid := sched.TID(regs.RDI)
	statusAddr := uintptr(regs.RSI)

	if _, err := getTaskByIDFn(pid); err != nil {
		return 0, err
	}
	for {
		if code, err := reapTaskFn(pid); err == nil {
			if statusAddr != 0 {
				out := userSlice(statusAddr, 4)
				hostOrder.PutUint32(out, uint32(code))
			}
			return uint64(pid), nil
		} else if err != errors.ErrNotReady {
			return 0, err
		}
		yieldFn()
	}
}

// userStringVector reads a NULL-terminated argv/envp[] array: addr points
// to an array of pointers, each pointing to a NUL-terminated string, the
// array itself terminated by a NULL pointer.
func userStringVector(addr uintptr) []string {
	if addr == 0 {
		return nil
	}
	var out []string
	const maxEntries = 256
	for i := 0; i < maxEntries; i++ {
		ptrSlice := userSlice(addr+uintptr(i)*8, 8)
		entry := hostOrder.Uint64(ptrSlice)
		if entry == 0 {
			break
		}
		out = append(out, userCString(uintptr(entry)))
	}
	return out
}

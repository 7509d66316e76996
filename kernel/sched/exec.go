package sched

// ExecImage replaces the calling task's address space and loaded image in
// place with a freshly loaded elfImage, keeping the same TID (spec.md §9's
// resolution of sys_execve: the original calls scheduler_execute_task,
// which only updates argc/argv/envp on the existing task and "doesn't
// actually replace the address space/image" — so a second exec would
// silently keep running the first program). Like POSIX execve, this always
// targets the currently running task, never an arbitrary tid: there is no
// scheduling decision to make, since the calling task keeps running, just
// with a new address space from this point on. The old address space is
// torn down only after the new one has loaded successfully and CR3 has
// already moved off it, so a failed exec leaves the task exactly as it
// was, and the old PML4 is never "active" at deletion time.
//
// On success it returns the entry point and initial stack pointer; the
// syscall dispatcher writes these into the trap-time Frame so SYSRETQ lands
// in the new program directly, without going through the scheduler.
func ExecImage(elfImage []byte, argv, envp []string) (entry, rsp uintptr, err error) {
	lock.acquire()
	t := current
	oldPML4, oldStack, oldImage := t.PML4, t.stack, t.loadedImage
	lock.release()

	newPML4, kerr := createAddrSpaceFn()
	if kerr != nil {
		return 0, 0, kerr
	}
	newStack, kerr := mapUserStackFn(newPML4)
	if kerr != nil {
		_ = deleteAddrSpaceFn(newPML4)
		return 0, 0, kerr
	}
	var topAddr uintptr
	var loaded LoadedImage
	entry, topAddr, loaded, err = loadImageFn(newPML4, elfImage)
	if err != nil {
		unmapUserStackFn(newStack, newPML4)
		_ = deleteAddrSpaceFn(newPML4)
		return 0, 0, err
	}

	var argc int32
	rsp, argc = buildArgBlock(newStack, argv, envp)

	switchAddrSpaceFn(newPML4)

	lock.acquire()
	t.PML4 = newPML4
	t.StackTop = newStack.top
	t.StackSize = newStack.size
	t.stack = newStack
	t.loadedImage = loaded
	t.Brk = topAddr
	t.Argc = argc
	t.Argv = argv
	t.Envp = envp
	t.Context.CR3 = uint64(newPML4.Address())
	lock.release()

	if oldImage != nil {
		oldImage.Unload(oldPML4)
	}
	unmapUserStackFn(oldStack, oldPML4)
	_ = deleteAddrSpaceFn(oldPML4) // CR3 already moved off oldPML4 above, so this always succeeds
	return entry, rsp, nil
}

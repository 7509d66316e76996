package sched

import (
	"testing"
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
)

// withBackingBuffer points the HHDM offset at an ordinary Go byte slice, so
// writeString/writeUint64 land in host memory instead of faulting on a bare
// physical address. frames is pinned at Frame(0) (physical address 0), so
// phys(virt) == virt - base, and PhysToHHDM folds that straight back into
// the buffer via the offset.
func withBackingBuffer(t *testing.T, size uintptr, stackTop uintptr) (userStack, []byte) {
	t.Helper()
	buf := make([]byte, size)

	origOffset := boot.HHDMOffset()
	boot.SetHHDMOffset(uintptr(unsafe.Pointer(&buf[0])))
	t.Cleanup(func() { boot.SetHHDMOffset(origOffset) })

	base := stackTop - size
	return userStack{
		base: base,
		top:  stackTop,
		size: mem.Size(size),
	}, buf
}

func readUint64(buf []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[off+i]) << (8 * i)
	}
	return v
}

func TestBuildArgBlockLayout(t *testing.T) {
	const stackSize = 4096
	const stackTop = uintptr(0x7fffffff000)
	stack, buf := withBackingBuffer(t, stackSize, stackTop)

	argv := []string{"/bin/init", "-v"}
	envp := []string{"HOME=/root"}

	rsp, argc := buildArgBlock(stack, argv, envp)
	if argc != int32(len(argv)) {
		t.Fatalf("expected argc=%d; got %d", len(argv), argc)
	}
	if rsp >= stackTop || rsp < stack.base {
		t.Fatalf("expected rsp inside the stack region; got %#x", rsp)
	}
	if rsp%8 != 0 {
		t.Fatalf("expected rsp 8-byte aligned; got %#x", rsp)
	}

	off := int(rsp - stack.base)
	gotArgc := readUint64(buf, off)
	if gotArgc != uint64(len(argv)) {
		t.Errorf("expected argc word %d at rsp; got %d", len(argv), gotArgc)
	}

	argvPtrs := make([]uint64, len(argv))
	for i := range argv {
		argvPtrs[i] = readUint64(buf, off+8+8*i)
	}
	for i, want := range argv {
		p := argvPtrs[i]
		got := readCString(buf, int(uintptr(p)-stack.base))
		if got != want {
			t.Errorf("argv[%d]: expected %q; got %q", i, want, got)
		}
	}

	argvNullOff := off + 8 + 8*len(argv)
	if readUint64(buf, argvNullOff) != 0 {
		t.Error("expected argv array to be NULL-terminated")
	}

	envpOff := argvNullOff + 8
	for i, want := range envp {
		p := readUint64(buf, envpOff+8*i)
		got := readCString(buf, int(uintptr(p)-stack.base))
		if got != want {
			t.Errorf("envp[%d]: expected %q; got %q", i, want, got)
		}
	}
	envpNullOff := envpOff + 8*len(envp)
	if readUint64(buf, envpNullOff) != 0 {
		t.Error("expected envp array to be NULL-terminated")
	}

	auxvOff := envpNullOff + 8
	if readUint64(buf, auxvOff) != 0 || readUint64(buf, auxvOff+8) != 0 {
		t.Error("expected a single (AT_NULL, 0) auxv entry")
	}
}

func readCString(buf []byte, off int) string {
	end := off
	for buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

func TestBuildArgBlockEmptyArgvEnvp(t *testing.T) {
	const stackTop = uintptr(0x7fffffff000)
	stack, buf := withBackingBuffer(t, 4096, stackTop)

	rsp, argc := buildArgBlock(stack, nil, nil)
	if argc != 0 {
		t.Fatalf("expected argc=0; got %d", argc)
	}
	off := int(rsp - stack.base)
	if readUint64(buf, off) != 0 {
		t.Error("expected argc word 0")
	}
	// argv NULL immediately follows argc, envp NULL immediately follows
	// that, then the single auxv entry.
	if readUint64(buf, off+8) != 0 {
		t.Error("expected argv NULL terminator right after argc")
	}
	if readUint64(buf, off+16) != 0 {
		t.Error("expected envp NULL terminator right after argv's")
	}
}

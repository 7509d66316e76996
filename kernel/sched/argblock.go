package sched

import (
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel/boot"
)

// phys returns the physical address backing a virtual address inside s's
// region. The stack's backing frames are contiguous (one
// AllocContig call), so the mapping from virt to phys is linear.
func (s userStack) phys(virt uintptr) uintptr {
	return s.frames.Address() + (virt - s.base)
}

func writeUint64(s userStack, virt uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(boot.PhysToHHDM(s.phys(virt)))) = v
}

func writeString(s userStack, virt uintptr, str string) {
	dst := (*[1 << 20]byte)(unsafe.Pointer(boot.PhysToHHDM(s.phys(virt))))[:len(str)+1]
	copy(dst, str)
	dst[len(str)] = 0
}

// buildArgBlock writes the Linux-style initial stack layout spec.md §4.5
// names (argv pointers, NULL, envp pointers, NULL, auxv=(AT_NULL,0), argc)
// at the top of the task's stack and returns the resulting stack pointer
// and argc.
func buildArgBlock(s userStack, argv, envp []string) (uintptr, int32) {
	cur := s.top

	argvAddrs := make([]uintptr, len(argv))
	for i, str := range argv {
		cur -= uintptr(len(str) + 1)
		writeString(s, cur, str)
		argvAddrs[i] = cur
	}
	envpAddrs := make([]uintptr, len(envp))
	for i, str := range envp {
		cur -= uintptr(len(str) + 1)
		writeString(s, cur, str)
		envpAddrs[i] = cur
	}

	// 8-byte align before the pointer/auxv region.
	cur &^= 7

	// auxv = [(AT_NULL, 0)]
	cur -= 16
	writeUint64(s, cur, 0)
	writeUint64(s, cur+8, 0)

	// envp NULL terminator, then envp[] pointers in reverse so they land
	// in forward order in memory.
	cur -= 8
	writeUint64(s, cur, 0)
	for i := len(envpAddrs) - 1; i >= 0; i-- {
		cur -= 8
		writeUint64(s, cur, uint64(envpAddrs[i]))
	}

	// argv NULL terminator, then argv[] pointers in reverse.
	cur -= 8
	writeUint64(s, cur, 0)
	for i := len(argvAddrs) - 1; i >= 0; i-- {
		cur -= 8
		writeUint64(s, cur, uint64(argvAddrs[i]))
	}

	cur -= 8
	writeUint64(s, cur, uint64(len(argv)))

	return cur, int32(len(argv))
}

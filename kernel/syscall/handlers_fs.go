package syscall

import (
	"encoding/binary"
	"reflect"
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel/sched"
)

// hostOrder is the byte order getdents() packs linux_dirent64 fields in;
// little-endian matches the x86-64 target this core runs on.
var hostOrder = binary.LittleEndian

// userSlice overlays a []byte on n bytes of the currently active address
// space starting at addr. SYSCALL never switches CR3 (spec.md §4.7: "SYSCALL
// does not use the IDT" and leaves paging alone), so a user-supplied pointer
// is already valid in whatever address space is live when the trampoline
// runs — no HHDM translation is needed, unlike a DMA buffer the kernel maps
// on its own behalf.
func userSlice(addr uintptr, n int) []byte {
	if addr == 0 || n <= 0 {
		return nil
	}
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  n,
		Cap:  n,
		Data: addr,
	}))
}

// getCurrentTaskFn is a seam over sched.GetCurrentTask so the handlers in
// this package can be exercised against a fake task without bringing up a
// real scheduler, the same DI pattern sched itself uses for its
// hardware-touching seams.
var getCurrentTaskFn = sched.GetCurrentTask

func currentTID() TID {
	return TID(getCurrentTaskFn().TID)
}

func sysRead(_ *Frame, regs *Regs) (uint64, error) {
	fd := FD(regs.RDI)
	buf := userSlice(uintptr(regs.RSI), int(regs.RDX))
	n, err := fs.Read(currentTID(), fd, buf)
	return uint64(n), err
}

func sysWrite(_ *Frame, regs *Regs) (uint64, error) {
	fd := FD(regs.RDI)
	buf := userSlice(uintptr(regs.RSI), int(regs.RDX))
	n, err := fs.Write(currentTID(), fd, buf)
	return uint64(n), err
}

func sysOpen(_ *Frame, regs *Regs) (uint64, error) {
	path := userCString(uintptr(regs.RDI))
	fd, err := fs.Open(currentTID(), path, regs.RSI, uint32(regs.RDX))
	return uint64(fd), err
}

func sysClose(_ *Frame, regs *Regs) (uint64, error) {
	return 0, fs.Close(currentTID(), FD(regs.RDI))
}

func sysFstat(_ *Frame, regs *Regs) (uint64, error) {
	st, err := fs.Fstat(currentTID(), FD(regs.RDI))
	if err != nil {
		return 0, err
	}
	out := userSlice(uintptr(regs.RSI), int(unsafe.Sizeof(rawStat{})))
	raw := rawStat{Ino: st.Ino, Mode: st.Mode, Size: uint64(st.Size)}
	copy(out, (*[unsafe.Sizeof(rawStat{})]byte)(unsafe.Pointer(&raw))[:])
	return 0, nil
}

// rawStat is Stat's wire layout for the fstat() output buffer.
type rawStat struct {
	Ino  uint64
	Mode uint32
	_    uint32 // padding to keep Size 8-byte aligned
	Size uint64
}

func sysLseek(_ *Frame, regs *Regs) (uint64, error) {
	off, err := fs.Lseek(currentTID(), FD(regs.RDI), int64(regs.RSI), regs.RDX)
	return uint64(off), err
}

func sysGetdents(_ *Frame, regs *Regs) (uint64, error) {
	entries, err := fs.GetDents(currentTID(), FD(regs.RDI), int(regs.RDX))
	if err != nil {
		return 0, err
	}
	return uint64(encodeDirents(userSlice(uintptr(regs.RSI), int(regs.RDX)), entries)), nil
}

func sysGetcwd(_ *Frame, regs *Regs) (uint64, error) {
	cwd, err := fs.Getcwd(currentTID())
	if err != nil {
		return 0, err
	}
	buf := userSlice(uintptr(regs.RDI), int(regs.RSI))
	n := copy(buf[:len(buf)-1], cwd)
	buf[n] = 0
	return regs.RDI, nil
}

func sysChdir(_ *Frame, regs *Regs) (uint64, error) {
	return 0, fs.Chdir(currentTID(), userCString(uintptr(regs.RDI)))
}

func sysMkdir(_ *Frame, regs *Regs) (uint64, error) {
	return 0, fs.Mkdir(currentTID(), userCString(uintptr(regs.RDI)), uint32(regs.RSI))
}

func sysRmdir(_ *Frame, regs *Regs) (uint64, error) {
	return 0, fs.Rmdir(currentTID(), userCString(uintptr(regs.RDI)))
}

func sysUnlink(_ *Frame, regs *Regs) (uint64, error) {
	return 0, fs.Unlink(currentTID(), userCString(uintptr(regs.RDI)))
}

// userCString reads a NUL-terminated string out of the active address
// space, the same way the original core's path arguments are consumed: one
// byte at a time until the terminator, since the length isn't part of the
// ABI for path arguments.
func userCString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	const maxPath = 4096
	raw := userSlice(addr, maxPath)
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

// encodeDirents packs entries into buf using the linux_dirent64 layout
// (ino, off, reclen, type, name) the original core's getdents() fills, and
// returns the number of bytes written.
func encodeDirents(buf []byte, entries []Dirent) int {
	off := 0
	for _, e := range entries {
		recLen := 19 + len(e.Name) + 1
		recLen = (recLen + 7) &^ 7 // 8-byte align, matching linux_dirent64
		if off+recLen > len(buf) {
			break
		}
		hostOrder.PutUint64(buf[off:], e.Ino)
		hostOrder.PutUint64(buf[off+8:], uint64(off+recLen))
		hostOrder.PutUint16(buf[off+16:], uint16(recLen))
		buf[off+18] = e.Type
		copy(buf[off+19:], e.Name)
		buf[off+19+len(e.Name)] = 0
		off += recLen
	}
	return off
}

package mem

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes at the given address to the supplied value. The implementation
// is based on bytes.Repeat; instead of using a for loop, this function uses
// log2(size) copy calls which should give us a speed boost as page addresses
// are always aligned.
func Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	// overlay a slice on top of this address region
	target := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcpy copies src into size bytes of memory starting at addr, using the
// same slice-overlay technique as Memset. Used by collaborators (the ELF
// loader's PT_LOAD segment copy) that need to write a borrowed byte slice
// straight into an HHDM-mapped physical address.
func Memcpy(addr uintptr, src []byte) {
	if len(src) == 0 {
		return
	}

	target := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  len(src),
		Cap:  len(src),
		Data: addr,
	}))
	copy(target, src)
}

// CopyPage copies size bytes from one HHDM-mapped physical address to
// another, overlaying a []byte on each end the same way Memset/Memcpy do.
// fork uses this to duplicate a page's physical content frame-for-frame
// rather than sharing it, since the core has no copy-on-write path.
func CopyPage(dstAddr, srcAddr uintptr, size Size) {
	if size == 0 {
		return
	}

	src := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: srcAddr,
	}))
	dst := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dstAddr,
	}))
	copy(dst, src)
}

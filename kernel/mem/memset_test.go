package mem

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(uintptr(0), 0x00, 0)

	for pageCount := uint32(1); pageCount <= 10; pageCount++ {
		buf := make([]byte, PageSize<<pageCount)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		addr := uintptr(unsafe.Pointer(&buf[0]))
		Memset(addr, 0x00, Size(len(buf)))

		for i := 0; i < len(buf); i++ {
			if got := buf[i]; got != 0x00 {
				t.Errorf("[block with %d pages] expected byte: %d to be 0x00; got 0x%x", pageCount, i, got)
			}
		}
	}
}

func TestMemcpy(t *testing.T) {
	Memcpy(uintptr(0), nil)

	src := []byte("hello world")
	dst := make([]byte, len(src))
	Memcpy(uintptr(unsafe.Pointer(&dst[0])), src)

	if string(dst) != string(src) {
		t.Errorf("expected %q; got %q", src, dst)
	}
}

func TestCopyPage(t *testing.T) {
	CopyPage(uintptr(0), uintptr(0), 0)

	src := make([]byte, PageSize)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, PageSize)

	CopyPage(uintptr(unsafe.Pointer(&dst[0])), uintptr(unsafe.Pointer(&src[0])), PageSize)

	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: expected 0x%x; got 0x%x", i, src[i], dst[i])
		}
	}
}

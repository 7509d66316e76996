package elf

import (
	"encoding/binary"
	"testing"
)

// buildImage hand-assembles a minimal ELF64 ET_EXEC image with a single
// PT_LOAD segment carrying payload, mirroring spec.md §8's end-to-end
// scenario 3 (p_filesz=16, p_memsz=4096, R+X, entry at the segment vaddr).
func buildImage(t *testing.T, vaddr uint64, payload []byte, memsz uint64, flags uint32) []byte {
	t.Helper()

	const numPhdrs = 1
	phoff := uint64(ehdrSize)
	fileOff := phoff + numPhdrs*phdrSize

	buf := make([]byte, fileOff+uint64(len(payload)))

	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, magic2, magic3
	buf[4] = class64
	buf[5] = data2LSB
	binary.LittleEndian.PutUint16(buf[16:18], typeExec)
	binary.LittleEndian.PutUint16(buf[18:20], machineX86_64)
	binary.LittleEndian.PutUint64(buf[24:32], vaddr) // e_entry == segment vaddr
	binary.LittleEndian.PutUint64(buf[32:40], phoff)
	binary.LittleEndian.PutUint16(buf[54:56], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:58], numPhdrs)

	p := buf[phoff : phoff+phdrSize]
	binary.LittleEndian.PutUint32(p[0:4], ptLoad)
	binary.LittleEndian.PutUint32(p[4:8], flags)
	binary.LittleEndian.PutUint64(p[8:16], fileOff)
	binary.LittleEndian.PutUint64(p[16:24], vaddr)
	binary.LittleEndian.PutUint64(p[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(p[40:48], memsz)

	copy(buf[fileOff:], payload)
	return buf
}

func TestParseRejectsBadMagic(t *testing.T) {
	img := buildImage(t, 0x400000, []byte("hello world12345"), 4096, pfRead|pfExec)
	img[0] = 0x00
	if _, err := Parse(img); err == nil {
		t.Fatal("expected Parse to reject a bad magic number")
	}
}

func TestParseRejectsWrongMachine(t *testing.T) {
	img := buildImage(t, 0x400000, []byte("hello world12345"), 4096, pfRead|pfExec)
	binary.LittleEndian.PutUint16(img[18:20], 3) // EM_386
	if _, err := Parse(img); err == nil {
		t.Fatal("expected Parse to reject a non-x86_64 machine")
	}
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	if _, err := Parse(make([]byte, 10)); err == nil {
		t.Fatal("expected Parse to reject a buffer shorter than the ELF header")
	}
}

func TestParseRejectsOutOfBoundsProgramHeaders(t *testing.T) {
	img := buildImage(t, 0x400000, []byte("hello world12345"), 4096, pfRead|pfExec)
	// Point e_phoff past the end of the file.
	binary.LittleEndian.PutUint64(img[32:40], uint64(len(img))+0x1000)
	if _, err := Parse(img); err == nil {
		t.Fatal("expected Parse to reject program headers outside the file")
	}
}

func TestParseIsIdempotent(t *testing.T) {
	img := buildImage(t, 0x400000, []byte("hello world12345"), 4096, pfRead|pfExec)

	f1, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f2, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f1.Header != f2.Header {
		t.Error("expected identical headers across repeated Parse calls")
	}
	if len(f1.Phdrs) != len(f2.Phdrs) || f1.Phdrs[0] != f2.Phdrs[0] {
		t.Error("expected identical PT_LOAD segments across repeated Parse calls")
	}
}

func TestParseValidImageEntryAndSegment(t *testing.T) {
	payload := []byte("hello world12345")
	img := buildImage(t, 0x400000, payload, 4096, pfRead|pfExec)

	f, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Header.Entry != 0x400000 {
		t.Errorf("expected entry 0x400000; got %#x", f.Header.Entry)
	}
	if len(f.Phdrs) != 1 {
		t.Fatalf("expected 1 program header; got %d", len(f.Phdrs))
	}
	ph := f.Phdrs[0]
	if ph.Type != ptLoad || ph.Vaddr != 0x400000 || ph.Filesz != uint64(len(payload)) || ph.Memsz != 4096 {
		t.Errorf("unexpected program header: %+v", ph)
	}
}

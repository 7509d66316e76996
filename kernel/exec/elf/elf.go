// Package elf parses and loads ELF64 objects: the format System V gABI
// defines for x86_64, as consumed by spec.md §4.6/§6. Parsing works over a
// borrowed byte slice with explicit bounds checks throughout — never a raw
// pointer cast over an unbounded length, which is where the original C
// loader this was ported from was subtly unsafe (signed/unsigned overflow
// on p_offset+p_filesz).
package elf

import (
	"encoding/binary"

	"github.com/VoltagedDebunked/kronosos/kernel/errors"
)

const (
	magic0, magic1, magic2, magic3 = 0x7F, 'E', 'L', 'F'

	classNone = 0
	class64   = 2

	data2LSB = 1

	typeNone = 0
	typeExec = 2
	typeDyn  = 3

	machineX86_64 = 62
)

// Segment types this loader recognizes in a program header's p_type field.
const ptLoad = 1

// Segment permission bits in a program header's p_flags field.
const (
	pfExec  = 0x1
	pfWrite = 0x2
	pfRead  = 0x4
)

// Section types this loader recognizes in a section header's sh_type field.
const (
	shtSymtab = 2
	shtStrtab = 3
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
)

// Ehdr is the 64-byte ELF64 file header (16-byte e_ident followed by the
// 48-byte typed body), laid out exactly as the gABI specifies.
type Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Phdr is a 56-byte ELF64 program header.
type Phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Shdr is a 64-byte ELF64 section header.
type Shdr struct {
	Name      uint32
	Type      uint32
	ShFlags   uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// Sym is a 24-byte ELF64 symbol table entry.
type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// File is a parsed, not-yet-loaded ELF64 object: the header plus decoded
// program/section header tables. It always borrows image rather than
// copying it.
type File struct {
	image   []byte
	Header  Ehdr
	Phdrs   []Phdr
	Shdrs   []Shdr
	symtab  []Sym
	strtab  []byte
	strtabN int // index into Shdrs of the string table backing symtab
}

func errInvalid() error { return errors.ErrInvalidImage }

// Parse validates image as an ELF64 header and decodes its program and
// section header tables. It never loads any segment into memory; call
// Load for that.
func Parse(image []byte) (*File, error) {
	if len(image) < ehdrSize {
		return nil, errInvalid()
	}

	var hdr Ehdr
	copy(hdr.Ident[:], image[0:16])
	hdr.Type = binary.LittleEndian.Uint16(image[16:18])
	hdr.Machine = binary.LittleEndian.Uint16(image[18:20])
	hdr.Version = binary.LittleEndian.Uint32(image[20:24])
	hdr.Entry = binary.LittleEndian.Uint64(image[24:32])
	hdr.Phoff = binary.LittleEndian.Uint64(image[32:40])
	hdr.Shoff = binary.LittleEndian.Uint64(image[40:48])
	hdr.Flags = binary.LittleEndian.Uint32(image[48:52])
	hdr.Ehsize = binary.LittleEndian.Uint16(image[52:54])
	hdr.Phentsize = binary.LittleEndian.Uint16(image[54:56])
	hdr.Phnum = binary.LittleEndian.Uint16(image[56:58])
	hdr.Shentsize = binary.LittleEndian.Uint16(image[58:60])
	hdr.Shnum = binary.LittleEndian.Uint16(image[60:62])
	hdr.Shstrndx = binary.LittleEndian.Uint16(image[62:64])

	if err := validateHeader(&hdr); err != nil {
		return nil, err
	}

	f := &File{image: image, Header: hdr}

	phdrs, err := decodePhdrs(image, &hdr)
	if err != nil {
		return nil, err
	}
	f.Phdrs = phdrs

	shdrs, err := decodeShdrs(image, &hdr)
	if err != nil {
		return nil, err
	}
	f.Shdrs = shdrs

	f.findSymbolTables()
	return f, nil
}

func validateHeader(hdr *Ehdr) error {
	if hdr.Ident[0] != magic0 || hdr.Ident[1] != magic1 || hdr.Ident[2] != magic2 || hdr.Ident[3] != magic3 {
		return errInvalid()
	}
	if hdr.Ident[4] != class64 {
		return errInvalid()
	}
	if hdr.Ident[5] != data2LSB {
		return errInvalid()
	}
	if hdr.Machine != machineX86_64 {
		return errInvalid()
	}
	if hdr.Type != typeExec && hdr.Type != typeDyn {
		return errInvalid()
	}
	if hdr.Phnum > 0 && hdr.Phentsize != phdrSize {
		return errInvalid()
	}
	if hdr.Shnum > 0 && hdr.Shentsize != shdrSize {
		return errInvalid()
	}
	return nil
}

// boundsCheck reports whether a region [off, off+n) lies entirely inside
// an image of the given size, guarding against the unsigned overflow that
// made the original C loader's equivalent check unsafe.
func boundsCheck(imageSize int, off, n uint64) bool {
	if n == 0 {
		return off <= uint64(imageSize)
	}
	end := off + n
	if end < off { // overflow
		return false
	}
	return end <= uint64(imageSize)
}

func decodePhdrs(image []byte, hdr *Ehdr) ([]Phdr, error) {
	if hdr.Phnum == 0 {
		return nil, nil
	}
	if !boundsCheck(len(image), hdr.Phoff, uint64(hdr.Phnum)*phdrSize) {
		return nil, errInvalid()
	}

	out := make([]Phdr, hdr.Phnum)
	for i := range out {
		base := hdr.Phoff + uint64(i)*phdrSize
		b := image[base : base+phdrSize]
		out[i] = Phdr{
			Type:   binary.LittleEndian.Uint32(b[0:4]),
			Flags:  binary.LittleEndian.Uint32(b[4:8]),
			Offset: binary.LittleEndian.Uint64(b[8:16]),
			Vaddr:  binary.LittleEndian.Uint64(b[16:24]),
			Paddr:  binary.LittleEndian.Uint64(b[24:32]),
			Filesz: binary.LittleEndian.Uint64(b[32:40]),
			Memsz:  binary.LittleEndian.Uint64(b[40:48]),
			Align:  binary.LittleEndian.Uint64(b[48:56]),
		}
	}
	return out, nil
}

func decodeShdrs(image []byte, hdr *Ehdr) ([]Shdr, error) {
	if hdr.Shnum == 0 {
		return nil, nil
	}
	if !boundsCheck(len(image), hdr.Shoff, uint64(hdr.Shnum)*shdrSize) {
		return nil, errInvalid()
	}

	out := make([]Shdr, hdr.Shnum)
	for i := range out {
		base := hdr.Shoff + uint64(i)*shdrSize
		b := image[base : base+shdrSize]
		out[i] = Shdr{
			Name:      binary.LittleEndian.Uint32(b[0:4]),
			Type:      binary.LittleEndian.Uint32(b[4:8]),
			ShFlags:   binary.LittleEndian.Uint64(b[8:16]),
			Addr:      binary.LittleEndian.Uint64(b[16:24]),
			Offset:    binary.LittleEndian.Uint64(b[24:32]),
			Size:      binary.LittleEndian.Uint64(b[32:40]),
			Link:      binary.LittleEndian.Uint32(b[40:44]),
			Info:      binary.LittleEndian.Uint32(b[44:48]),
			Addralign: binary.LittleEndian.Uint64(b[48:56]),
			Entsize:   binary.LittleEndian.Uint64(b[56:64]),
		}
	}
	return out, nil
}

// findSymbolTables locates SHT_SYMTAB and its linked SHT_STRTAB, if any.
// Absence of a symbol table is not an error: it is simply unavailable to
// Symbol.
func (f *File) findSymbolTables() {
	for i := range f.Shdrs {
		sh := &f.Shdrs[i]
		if sh.Type != shtSymtab {
			continue
		}
		if !boundsCheck(len(f.image), sh.Offset, sh.Size) {
			continue
		}
		entries := sh.Size / symSize
		syms := make([]Sym, entries)
		for j := range syms {
			base := sh.Offset + uint64(j)*symSize
			b := f.image[base : base+symSize]
			syms[j] = Sym{
				Name:  binary.LittleEndian.Uint32(b[0:4]),
				Info:  b[4],
				Other: b[5],
				Shndx: binary.LittleEndian.Uint16(b[6:8]),
				Value: binary.LittleEndian.Uint64(b[8:16]),
				Size:  binary.LittleEndian.Uint64(b[16:24]),
			}
		}

		if int(sh.Link) >= len(f.Shdrs) {
			continue
		}
		strSh := &f.Shdrs[sh.Link]
		if strSh.Type != shtStrtab || !boundsCheck(len(f.image), strSh.Offset, strSh.Size) {
			continue
		}

		f.symtab = syms
		f.strtab = f.image[strSh.Offset : strSh.Offset+strSh.Size]
		return
	}
}

func cString(strtab []byte, offset uint32) string {
	if uint64(offset) >= uint64(len(strtab)) {
		return ""
	}
	end := offset
	for end < uint32(len(strtab)) && strtab[end] != 0 {
		end++
	}
	return string(strtab[offset:end])
}

// Symbol resolves name to its runtime address, accounting for the ET_DYN
// base the image was loaded at. It reports ok=false if there is no symbol
// table or no matching entry.
func (f *File) Symbol(name string, base uint64) (addr uint64, ok bool) {
	if f.symtab == nil {
		return 0, false
	}
	for i := range f.symtab {
		if cString(f.strtab, f.symtab[i].Name) != name {
			continue
		}
		addr = f.symtab[i].Value
		if f.Header.Type == typeDyn {
			addr += base
		}
		return addr, true
	}
	return 0, false
}

// SectionName returns the name of section sh, looked up through the
// section header string table named by e_shstrndx.
func (f *File) SectionName(sh *Shdr) string {
	if int(f.Header.Shstrndx) >= len(f.Shdrs) {
		return ""
	}
	shstrtab := &f.Shdrs[f.Header.Shstrndx]
	if !boundsCheck(len(f.image), shstrtab.Offset, shstrtab.Size) {
		return ""
	}
	return cString(f.image[shstrtab.Offset:shstrtab.Offset+shstrtab.Size], sh.Name)
}

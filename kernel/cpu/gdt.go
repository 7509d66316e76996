package cpu

import (
	"unsafe"

	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/kfmt/early"
)

// Segment selectors, fixed by the GDT layout in spec.md §6: Null, Kernel
// Code, Kernel Data, User Code, User Data, TSS (two slots). Each index is
// multiplied by 8 and RPL is ORed in by callers that need ring 3 (|3).
const (
	SelectorNull       = 0x00
	SelectorKernelCode = 0x08
	SelectorKernelData = 0x10
	SelectorUserCode   = 0x18 // | 3 for ring 3
	SelectorUserData   = 0x20 // | 3 for ring 3
	SelectorTSS        = 0x28
)

// Access byte flags, per the x86_64 GDT convention spec.md §6 calls out.
const (
	accessPresent    = 1 << 7
	accessRing3      = 3 << 5
	accessDescriptor = 1 << 4 // S bit: 1 = code/data, 0 = system
	accessExecutable = 1 << 3
	accessRW         = 1 << 1 // readable (code) / writable (data)
	accessAccessed   = 1 << 0
	accessTSSType    = 0x9 // 64-bit TSS (available)
)

// Granularity/flag nibble: long-mode code segments set L=1; data segments
// and the TSS descriptor leave it clear.
const (
	flagLongMode  = 1 << 5
	flagGranLimit = 1 << 7 // page granularity, set on limit-bearing entries
)

type gdtEntry struct {
	limitLow   uint16
	baseLow    uint16
	baseMiddle uint8
	access     uint8
	flagsLimit uint8
	baseHigh   uint8
}

// tssDescriptor is a 64-bit system-segment descriptor: it occupies two
// consecutive 8-byte GDT slots because it must carry a 64-bit base address.
type tssDescriptor struct {
	low  gdtEntry
	base uint32
	_    uint32
}

// tss is the 64-bit Task State Segment. In long mode the only fields the
// kernel uses are RSP0 (the stack loaded on a ring 3 -> ring 0 transition)
// and the I/O permission bitmap offset; IST1-7 are left zero (unused).
type tss struct {
	_           uint32
	rsp0        uint64
	rsp1        uint64
	rsp2        uint64
	_           uint64
	ist1        uint64
	ist2        uint64
	ist3        uint64
	ist4        uint64
	ist5        uint64
	ist6        uint64
	ist7        uint64
	_           uint64
	_           uint16
	iopbOffset  uint16
}

// gdtLayout is the fixed six-entry table described in spec.md §4.3/§6.
type gdtLayout struct {
	null       gdtEntry
	kernelCode gdtEntry
	kernelData gdtEntry
	userCode   gdtEntry
	userData   gdtEntry
	tssDesc    tssDescriptor
}

var (
	theGDT  gdtLayout
	theTSS  tss
	gdtSnap gdtLayout

	errGDTCorrupt = errors.KernelError("GDT integrity check failed")
)

func codeEntry(ring uint8, longMode bool) gdtEntry {
	access := uint8(accessPresent | accessDescriptor | accessExecutable | accessRW)
	if ring == 3 {
		access |= accessRing3
	}
	flags := uint8(flagGranLimit)
	if longMode {
		flags |= flagLongMode
	}
	return gdtEntry{access: access, flagsLimit: flags}
}

func dataEntry(ring uint8) gdtEntry {
	access := uint8(accessPresent | accessDescriptor | accessRW)
	if ring == 3 {
		access |= accessRing3
	}
	return gdtEntry{access: access, flagsLimit: flagGranLimit}
}

// descriptorPointer is the 10-byte structure LGDT/LIDT expect: a 16-bit
// limit (table size - 1) followed by a 64-bit linear base address.
type descriptorPointer struct {
	limit uint16
	base  uint64
}

// InitGDT builds the fixed six-entry GDT plus the 64-bit TSS descriptor,
// installs it via LGDT, and loads the task register via LTR. It must run
// once at boot before any ring 3 transition is possible.
func InitGDT() {
	theTSS.iopbOffset = uint16(unsafe.Sizeof(theTSS))

	theGDT = gdtLayout{
		null:       gdtEntry{},
		kernelCode: codeEntry(0, true),
		kernelData: dataEntry(0),
		userCode:   codeEntry(3, true),
		userData:   dataEntry(3),
	}

	tssBase := uintptr(unsafe.Pointer(&theTSS))
	theGDT.tssDesc.low = gdtEntry{
		limitLow:   uint16(unsafe.Sizeof(theTSS) - 1),
		baseLow:    uint16(tssBase),
		baseMiddle: uint8(tssBase >> 16),
		access:     accessPresent | accessTSSType,
		baseHigh:   uint8(tssBase >> 24),
	}
	theGDT.tssDesc.base = uint32(tssBase >> 32)

	ptr := descriptorPointer{
		limit: uint16(unsafe.Sizeof(theGDT) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&theGDT))),
	}
	LoadGDT(uintptr(unsafe.Pointer(&ptr)), SelectorKernelCode, SelectorKernelData)
	LoadTaskRegister(SelectorTSS)

	gdtSnap = theGDT
	early.Printf("[gdt] installed 6 descriptors, TSS at %x\n", tssBase)
}

// SetKernelStack updates TSS.RSP0, the stack the CPU switches to whenever
// a ring 3 -> ring 0 transition occurs (interrupt or SYSCALL) before the
// next such transition.
func SetKernelStack(rsp0 uintptr) {
	theTSS.rsp0 = uint64(rsp0)
}

// CheckIntegrity compares the live GDT against the snapshot saved at
// InitGDT time, matching the IDT's self-verification scheme (spec.md
// §4.3/§4.4) so corruption during long uptime can be detected.
func CheckIntegrity() bool {
	return theGDT == gdtSnap
}

// Recover re-installs the GDT from the snapshot taken at InitGDT time.
func Recover() error {
	if gdtSnap == (gdtLayout{}) {
		return errGDTCorrupt
	}
	theGDT = gdtSnap
	ptr := descriptorPointer{
		limit: uint16(unsafe.Sizeof(theGDT) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&theGDT))),
	}
	LoadGDT(uintptr(unsafe.Pointer(&ptr)), SelectorKernelCode, SelectorKernelData)
	return nil
}

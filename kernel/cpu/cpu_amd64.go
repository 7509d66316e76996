// Package cpu declares the low-level, architecture-specific primitives that
// the rest of the kernel builds on. None of these functions have a Go body:
// following gopher-os's cpu_amd64.go convention, they are implemented in a
// companion assembly file and merely declared here so the rest of the
// kernel can call them like ordinary Go functions.
package cpu

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// InterruptsEnabled reports whether RFLAGS.IF is currently set.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt (HLT).
func Halt()

// FlushTLBEntry flushes a single TLB entry for a particular virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT writes CR3, activating the page table rooted at the given
// physical address. This also flushes the entire TLB (aside from global
// pages).
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently loaded in CR3.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// RDMSR reads the model-specific register at the given index.
func RDMSR(reg uint32) uint64

// WRMSR writes value to the model-specific register at the given index.
func WRMSR(reg uint32, value uint64)

// CPUID executes the CPUID instruction for the given leaf/subleaf and
// returns (eax, ebx, ecx, edx).
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// LoadGDT installs a new GDT via LGDT and reloads the segment registers.
// descriptor is the address of a 10-byte GDT pointer (limit:2, base:8).
func LoadGDT(descriptor uintptr, codeSelector, dataSelector uint16)

// LoadIDT installs a new IDT via LIDT. descriptor is the address of a
// 10-byte IDT pointer (limit:2, base:8).
func LoadIDT(descriptor uintptr)

// LoadTaskRegister loads the task register with the given TSS selector
// (LTR).
func LoadTaskRegister(selector uint16)

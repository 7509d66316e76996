// Package drivers collects the interface contracts spec.md §6 assigns to
// the hardware collaborators the core depends on but never implements
// itself: PIT timer, 8259 PIC, PS/2 keyboard and mouse, ATA PIO, PCI
// enumeration and the serial UART. Device behaviour is standardized by the
// hardware, not by kernel policy, so no concrete driver lives here — only
// the shape a real implementation is written against. The package has no
// setter, and nothing in the core installs or calls an implementation of
// these interfaces.
package drivers

// TimerCallback is invoked once per tick with the monotonic tick count,
// the same signature as kernel/sched's onTick, which kernel/sched calls
// from the irq.HandleIRQ handler it registers for the PIC-driven IRQ0
// line; a Timer driver built against the PIT instead delivers ticks
// through this contract.
type TimerCallback func(tick uint64)

// Timer is the PIT contract from spec.md §6: programmed with channel 0,
// mode 3, lobyte-then-hibyte divisor 1193182/hz.
type Timer interface {
	// Init programs the PIT to fire at hz ticks per second.
	Init(hz uint32) error
	// RegisterCallback installs the function called on every tick.
	RegisterCallback(fn TimerCallback)
	// Sleep spins on GetTicks gated by hlt until ms milliseconds elapse.
	Sleep(ms uint64)
	// GetTicks returns the monotonic tick count since Init.
	GetTicks() uint64
}

// PIC is the 8259 contract from spec.md §6: remaps master to vector 32 and
// slave to vector 40, cascaded through IRQ2, with explicit mask/unmask and
// end-of-interrupt controls. kernel/irq implements the equivalent
// behaviour directly (RemapPIC/Mask/Unmask/SendEOI) for the core's own
// IRQ0/IRQ1 handling; this contract exists so an alternate PIC
// implementation (or an APIC shim) can be swapped in without kernel/irq's
// callers changing.
type PIC interface {
	Init()
	MaskIRQ(irq uint8)
	UnmaskIRQ(irq uint8)
	SendEOI(irq uint8)
}

// KeyEvent is one scancode translated off the PS/2 keyboard's data port.
type KeyEvent struct {
	Scancode uint8
	Pressed  bool
}

// Keyboard is the PS/2 keyboard contract: an IRQ1 handler that decodes
// scancodes and hands them to whatever consumer registered a callback.
type Keyboard interface {
	Init() error
	OnKey(fn func(KeyEvent))
}

// MouseEvent is one decoded PS/2 mouse packet.
type MouseEvent struct {
	DX, DY             int8
	LeftButton         bool
	RightButton        bool
	MiddleButton       bool
}

// Mouse is the PS/2 mouse contract: an IRQ12 handler that assembles the
// 3-byte packet stream into MouseEvent values.
type Mouse interface {
	Init() error
	OnMove(fn func(MouseEvent))
}

// ATA is the PIO block-device contract: LBA28 sector read/write against a
// primary/secondary channel, master/slave drive selection.
type ATA interface {
	Identify(channel, drive uint8) (sectors uint64, ok bool)
	ReadSectors(channel, drive uint8, lba uint64, buf []byte) error
	WriteSectors(channel, drive uint8, lba uint64, buf []byte) error
}

// PCIDevice describes one enumerated PCI function's configuration-space
// header fields the core cares about.
type PCIDevice struct {
	Bus, Slot, Func    uint8
	VendorID, DeviceID uint16
	ClassCode          uint8
}

// PCI is the enumeration contract: a brute-force bus/slot/function scan
// over configuration space, as spec.md §6 describes.
type PCI interface {
	Enumerate() []PCIDevice
}

// Serial is the UART contract; its Write/WriteByte pair satisfies
// kernel/kfmt/early's Sink. kmain installs no Serial-backed Sink, so early
// Printf output goes nowhere until something calls early.SetSink.
type Serial interface {
	Init(baud uint32) error
	WriteByte(b byte) error
	Write(p []byte) (int, error)
}

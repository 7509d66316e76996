package irq

import "github.com/VoltagedDebunked/kronosos/kernel/cpu"

// 8259 PIC I/O ports and command bytes, per spec.md §4.4's remap
// requirement: hardware IRQs must land on vectors 32-47 so they don't
// collide with the CPU exception range 0-31.
const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1

	icw1Init       = 0x11 // edge-triggered, cascade mode, ICW4 present
	icw4Mode8086   = 0x01

	picEOI = 0x20
)

// IRQBase is the vector the master PIC's IRQ0 is remapped to.
const IRQBase = 32

// IRQNum identifies one of the 16 legacy PIC interrupt lines.
type IRQNum uint8

const (
	IRQTimer    = IRQNum(0)
	IRQKeyboard = IRQNum(1)
	IRQCascade  = IRQNum(2)
	IRQCOM2     = IRQNum(3)
	IRQCOM1     = IRQNum(4)
	IRQLPT2     = IRQNum(5)
	IRQFloppy   = IRQNum(6)
	IRQLPT1     = IRQNum(7)
	IRQRTC      = IRQNum(8)
	IRQMouse    = IRQNum(12)
	IRQATAPrimary   = IRQNum(14)
	IRQATASecondary = IRQNum(15)
)

// RemapPIC reprograms both 8259 PICs so IRQ0-7 land on vectors 32-39 and
// IRQ8-15 on 40-47, then restores the masks both PICs held before the
// remap (single lines are changed afterwards via Mask/Unmask). It must run
// once at boot, before
// EnableInterrupts.
func RemapPIC() {
	savedMasterMask := cpu.Inb(picMasterData)
	savedSlaveMask := cpu.Inb(picSlaveData)

	cpu.Outb(picMasterCommand, icw1Init)
	cpu.Outb(picSlaveCommand, icw1Init)

	cpu.Outb(picMasterData, IRQBase)      // ICW2: master offset
	cpu.Outb(picSlaveData, IRQBase+8)     // ICW2: slave offset
	cpu.Outb(picMasterData, 1<<2)         // ICW3: slave attached to IRQ2
	cpu.Outb(picSlaveData, 2)             // ICW3: cascade identity
	cpu.Outb(picMasterData, icw4Mode8086)
	cpu.Outb(picSlaveData, icw4Mode8086)

	cpu.Outb(picMasterData, savedMasterMask)
	cpu.Outb(picSlaveData, savedSlaveMask)
}

// Mask disables a single IRQ line at the PIC.
func Mask(irq IRQNum) {
	port := picMasterData
	line := uint8(irq)
	if line >= 8 {
		port = picSlaveData
		line -= 8
	}
	cpu.Outb(uint16(port), cpu.Inb(uint16(port))|(1<<line))
}

// Unmask enables a single IRQ line at the PIC.
func Unmask(irq IRQNum) {
	port := picMasterData
	line := uint8(irq)
	if line >= 8 {
		port = picSlaveData
		line -= 8
	}
	cpu.Outb(uint16(port), cpu.Inb(uint16(port))&^(1<<line))
}

// SendEOI acknowledges an IRQ at the PIC(s). IRQs 8-15 require an EOI to
// both the slave and the master (cascade).
func SendEOI(irq IRQNum) {
	if irq >= 8 {
		cpu.Outb(picSlaveCommand, picEOI)
	}
	cpu.Outb(picMasterCommand, picEOI)
}

// IRQHandler handles a hardware interrupt. Unlike exception handlers it
// receives no error code.
type IRQHandler func(*Frame, *Regs)

var irqHandlers [16]IRQHandler

// HandleIRQ registers a handler for a hardware interrupt line. The common
// IRQ stub (assembly) looks up this table by line number, invokes the
// handler, and sends the EOI on return.
func HandleIRQ(irq IRQNum, handler IRQHandler) {
	irqHandlers[irq] = handler
}

// dispatchIRQ is the table-driven half of the IRQ stub's contract: the
// single Go-side dispatcher the assembly entry points (one per vector
// 32-47) share instead of duplicating the lookup.
func dispatchIRQ(irq IRQNum, frame *Frame, regs *Regs) {
	if handler := irqHandlers[irq]; handler != nil {
		handler(frame, regs)
	}
	SendEOI(irq)
}

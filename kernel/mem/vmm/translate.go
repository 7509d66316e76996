package vmm

import (
	"github.com/VoltagedDebunked/kronosos/kernel"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
)

// Translate returns the physical address that corresponds to virt inside
// the address space rooted at root, or ErrInvalidMapping if virt does not
// resolve to a present mapping at any level (including a huge PD/PDPT
// entry).
func Translate(root pmm.Frame, virt uintptr) (uintptr, *kernel.Error) {
	var (
		physFrame pmm.Frame
		offsetBits uint8
		found     bool
		err       *kernel.Error
	)

	walk(root, virt, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if pte.HasFlags(FlagHugePage) || level == pageLevels-1 {
			physFrame = pte.Frame()
			offsetBits = pageLevelShifts[level]
			found = true
			return false
		}
		return true
	})

	if !found {
		if err != nil {
			return 0, err
		}
		return 0, ErrInvalidMapping
	}

	offsetMask := uintptr(1)<<offsetBits - 1
	return physFrame.Address() + (virt & offsetMask), nil
}

// IsMapped reports whether virt resolves to a present mapping inside the
// address space rooted at root.
func IsMapped(root pmm.Frame, virt uintptr) bool {
	_, err := Translate(root, virt)
	return err == nil
}

package elf

import "github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"

// LoadImage adapts Load to the scheduler's ImageLoader shape
// (sched.SetImageLoader), always loading at base 0: spec.md's Non-goals
// exclude ASLR and dynamic linking, so every image CreateTask sees is a
// fixed-address ET_EXEC and the ET_DYN base-relocation path in Load/Parse
// exists only for a hand-built ET_DYN test image or a future loader that
// picks a base itself.
func LoadImage(pml4 pmm.Frame, image []byte) (entry uintptr, topAddr uintptr, loaded *Image, err error) {
	img, err := Load(pml4, image, 0)
	if err != nil {
		return 0, 0, nil, err
	}
	return img.Entry, img.TopAddr, img, nil
}

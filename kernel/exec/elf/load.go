package elf

import (
	"github.com/VoltagedDebunked/kronosos/kernel/boot"
	"github.com/VoltagedDebunked/kronosos/kernel/errors"
	"github.com/VoltagedDebunked/kronosos/kernel/mem"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/pmm"
	"github.com/VoltagedDebunked/kronosos/kernel/mem/vmm"
)

// userHalfLimit is the first address of the canonical kernel half; any
// mapping below it gets the USER flag (spec.md §4.6: "USER flag is added
// if the target address is in the lower half").
const userHalfLimit = uintptr(1) << 47

var (
	frameAllocOne = pmm.FrameAllocator.AllocOne
	frameFreeOne  = pmm.FrameAllocator.FreeOne
	mapPageFn     = vmm.MapPage
	unmapPageFn   = vmm.UnmapPage
	physToHHDMFn  = boot.PhysToHHDM
)

// mappedPage is one 4 KiB page of a loaded segment, recorded explicitly at
// load time rather than rediscovered later: spec.md §9 flags both the
// original's "physical frame returned by the allocator is treated as the
// base of a contiguous run" assumption and its adjacent-translation
// comparison at unload as unsafe shortcuts. Each page here got its own
// frame from a single-frame allocation, so unload needs no contiguity
// assumption at all.
type mappedPage struct {
	vaddr uintptr
	frame pmm.Frame
}

// Image is the result of loading an ELF64 object into an address space:
// the entry point, the highest address any segment occupies (for brk
// bookkeeping) and enough bookkeeping to unload it again.
type Image struct {
	File     *File
	Entry    uintptr
	TopAddr  uintptr
	BaseAddr uint64
	pages    []mappedPage
}

// Load parses image and maps every PT_LOAD segment into the address space
// rooted at pml4, per spec.md §4.6's loading algorithm. On any failure it
// unmaps and frees every page it has placed so far and returns a nil
// *Image; the caller (scheduler create_task) is responsible for tearing
// down any partially-populated address space itself.
func Load(pml4 pmm.Frame, image []byte, base uint64) (*Image, error) {
	f, err := Parse(image)
	if err != nil {
		return nil, err
	}

	img := &Image{File: f, BaseAddr: base}

	for i := range f.Phdrs {
		ph := &f.Phdrs[i]
		if ph.Type != ptLoad {
			continue
		}
		if err := loadSegment(pml4, image, ph, base, img); err != nil {
			img.unloadPages(pml4)
			return nil, err
		}

		segTop := ph.Vaddr + ph.Memsz
		if f.Header.Type == typeDyn {
			segTop += base
		}
		if segTop > img.TopAddr {
			img.TopAddr = uintptr(segTop)
		}
	}

	img.Entry = uintptr(f.Header.Entry)
	if f.Header.Type == typeDyn {
		img.Entry += uintptr(base)
	}
	return img, nil
}

// loadSegment maps ph one page at a time: each page gets its own
// independently allocated frame (never a slice of an AllocContig run
// indexed by offset), so a page fault or double-free in one page can never
// be blamed on a neighbor's allocation.
func loadSegment(pml4 pmm.Frame, image []byte, ph *Phdr, base uint64, img *Image) error {
	if !boundsCheck(len(image), ph.Offset, ph.Filesz) {
		return errors.ErrInvalidImage
	}

	vaddr := ph.Vaddr
	if img.File.Header.Type == typeDyn {
		vaddr += base
	}
	pageVaddrBase := uintptr(vaddr) &^ uintptr(mem.PageSize-1)

	numPages := (mem.Size(ph.Memsz) + mem.PageSize - 1) / mem.PageSize
	if numPages == 0 {
		numPages = 1
	}

	flags := vmm.Present
	if ph.Flags&pfWrite != 0 {
		flags |= vmm.Writable
	}
	if ph.Flags&pfExec == 0 {
		flags |= vmm.NoExecute
	}
	if pageVaddrBase < userHalfLimit {
		flags |= vmm.User
	}

	for i := uint64(0); i < uint64(numPages); i++ {
		pageVaddr := pageVaddrBase + uintptr(i)*uintptr(mem.PageSize)

		frame, allocErr := frameAllocOne()
		if allocErr != nil {
			return allocErr
		}
		mem.Memset(physToHHDMFn(frame.Address()), 0, mem.PageSize)

		copyPageFileContent(frame, i, ph, image)

		if err := mapPageFn(pml4, pageVaddr, frame, flags, 0, frameAllocOne); err != nil {
			frameFreeOne(frame)
			return err
		}
		img.pages = append(img.pages, mappedPage{vaddr: pageVaddr, frame: frame})
	}
	return nil
}

// copyPageFileContent copies the slice of ph's file content that falls
// inside page index pageIdx (relative to the segment's page-aligned
// base), leaving any tail past p_filesz zero (it was already zeroed by
// Memset above) as spec.md's boundary behaviour requires.
func copyPageFileContent(frame pmm.Frame, pageIdx uint64, ph *Phdr, image []byte) {
	pageStart := pageIdx * uint64(mem.PageSize)
	pageEnd := pageStart + uint64(mem.PageSize)
	if pageStart >= ph.Filesz {
		return
	}
	if pageEnd > ph.Filesz {
		pageEnd = ph.Filesz
	}

	fileOff := ph.Offset + pageStart
	n := pageEnd - pageStart
	dst := physToHHDMFn(frame.Address())
	mem.Memcpy(dst, image[fileOff:fileOff+n])
}

// Unload reverses Load: unmaps every page from pml4 and frees the frame
// backing it.
func (img *Image) Unload(pml4 pmm.Frame) {
	img.unloadPages(pml4)
}

func (img *Image) unloadPages(pml4 pmm.Frame) {
	for _, p := range img.pages {
		_ = unmapPageFn(pml4, p.vaddr)
		frameFreeOne(p.frame)
	}
	img.pages = nil
}

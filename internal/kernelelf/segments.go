package kernelelf

import (
	"debug/elf"

	"bootloader/internal/bootkernel"
	"bootloader/internal/pmm"
	"bootloader/internal/vmm"
)

// handleLoadSegment maps every frame the segment's file contents already
// occupy (the kernel image was loaded into physical memory as one
// contiguous block, so segment.Off translates directly into a physical
// offset from kernelPhysAddr) at the segment's virtual address, then zero
// extends any trailing BSS.
func (l *Loader) handleLoadSegment(segment *elf.Prog) *bootkernel.Error {
	physStart := l.kernelPhysAddr + segment.Off
	startFrame := pmm.FrameContaining(physStart)
	endFrame := pmm.FrameContaining(physStart + segment.Filesz - 1)

	virtStart := l.virtOffset + segment.Vaddr
	flags := segmentFlags(segment)

	for frame := startFrame; frame <= endFrame; frame++ {
		offset := uint64(frame-startFrame) * pmm.PageSize
		if err := l.pt.Map(virtStart+offset, frame, flags); err != nil {
			return err
		}
	}

	if segment.Memsz > segment.Filesz {
		if err := l.handleBSSSection(segment, flags); err != nil {
			return err
		}
	}

	return nil
}

// handleBSSSection zero-extends [virtStart+Filesz, virtStart+Memsz). The
// last partial page of file data may share a frame with the next segment
// in the file, so that page is privately copied (via makeMut) before being
// zeroed; whole pages beyond it get freshly allocated, zeroed frames.
func (l *Loader) handleBSSSection(segment *elf.Prog, flags vmm.PageTableEntryFlag) *bootkernel.Error {
	virtStart := l.virtOffset + segment.Vaddr
	zeroStart := virtStart + segment.Filesz
	zeroEnd := virtStart + segment.Memsz

	dataBytesBeforeZero := zeroStart % pmm.PageSize
	if dataBytesBeforeZero != 0 {
		lastPage := alignDown(zeroStart, pmm.PageSize)
		newFrame, err := l.makeMut(lastPage, flags)
		if err != nil {
			return err
		}
		zeroOff := dataBytesBeforeZero
		l.mem.Zero(newFrame.Address()+zeroOff, pmm.PageSize-zeroOff)
	}

	firstWholePage := alignUp(zeroStart, pmm.PageSize)
	for addr := firstWholePage; addr < zeroEnd; addr += pmm.PageSize {
		frame, err := l.alloc()
		if err != nil {
			return err
		}
		l.mem.Zero(frame.Address(), pmm.PageSize)
		if err := l.pt.Map(addr, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// copyFrom reads len(buf) bytes starting at the mapped virtual address
// addr into buf, one backing frame at a time.
func (l *Loader) copyFrom(addr uint64, buf []byte) *bootkernel.Error {
	return l.walkPages(addr, uint64(len(buf)), func(physAddr uint64, bufOff, n uint64) *bootkernel.Error {
		l.mem.ReadAt(physAddr, buf[bufOff:bufOff+n])
		return nil
	})
}

// copyTo writes buf into the mapped virtual address addr. Unlike
// copyFrom, every touched page is first privately copied via makeMut: the
// caller is writing into memory that may still alias the raw kernel image
// bytes shared with another segment.
func (l *Loader) copyTo(addr uint64, buf []byte, flags vmm.PageTableEntryFlag) *bootkernel.Error {
	return l.walkPages(addr, uint64(len(buf)), func(physAddr uint64, bufOff, n uint64) *bootkernel.Error {
		l.mem.WriteAt(physAddr, buf[bufOff:bufOff+n])
		return nil
	}, flags)
}

// walkPages splits [addr, addr+size) into its constituent pages, resolving
// each to a physical address via makeMut with writeFlags[0] (writes) or a
// plain Translate (for reads), and invokes fn once per page with the
// physical address of the page-local copy region, the offset into the
// caller's buffer it corresponds to, and its length.
func (l *Loader) walkPages(addr, size uint64, fn func(physAddr, bufOff, n uint64) *bootkernel.Error, writeFlags ...vmm.PageTableEntryFlag) *bootkernel.Error {
	if size == 0 {
		return nil
	}

	endInclusive := addr + size - 1
	bufOff := uint64(0)

	for page := alignDown(addr, pmm.PageSize); page <= endInclusive; page += pmm.PageSize {
		var physPage uint64
		if len(writeFlags) > 0 {
			frame, err := l.makeMut(page, writeFlags[0])
			if err != nil {
				return err
			}
			physPage = frame.Address()
		} else {
			p, err := l.pt.Translate(page)
			if err != nil {
				return err
			}
			physPage = alignDown(p, pmm.PageSize)
		}

		pageEnd := page + pmm.PageSize - 1
		copyStart := max64(addr, page)
		copyEndIncl := min64(endInclusive, pageEnd)
		n := copyEndIncl - copyStart + 1
		offInPage := copyStart - page

		if err := fn(physPage+offInPage, bufOff, n); err != nil {
			return err
		}
		bufOff += n
	}

	return nil
}

// makeMut ensures the frame backing page is safe to write to, copying it
// to a fresh, unshared frame the first time it is touched and marking it
// FlagCopyOnWrite so later calls reuse the same frame instead of copying
// again.
func (l *Loader) makeMut(page uint64, flags vmm.PageTableEntryFlag) (pmm.Frame, *bootkernel.Error) {
	pte, err := l.pt.EntryAt(page)
	if err != nil {
		return 0, err
	}

	if pte.HasFlags(vmm.FlagCopyOnWrite) {
		return pte.Frame(), nil
	}

	newFrame, allocErr := l.alloc()
	if allocErr != nil {
		return 0, allocErr
	}

	oldFrame := pte.Frame()
	var buf [pmm.PageSize]byte
	l.mem.ReadAt(oldFrame.Address(), buf[:])
	l.mem.WriteAt(newFrame.Address(), buf[:])

	var newPTE vmm.PageTableEntry
	newPTE.SetFrame(newFrame)
	newPTE.SetFlags(flags | vmm.FlagCopyOnWrite)
	l.pt.SetEntryAt(page, newPTE)

	return newFrame, nil
}

// removeCopiedFlags clears the FlagCopyOnWrite bookkeeping bit from every
// PT_LOAD segment's pages once relocations are done; the bit has no
// meaning to the kernel and must not survive into the handed-off page
// table.
func (l *Loader) removeCopiedFlags() {
	for _, segment := range l.kernel.File.Progs {
		if segment.Type != elf.PT_LOAD {
			continue
		}
		start := l.virtOffset + segment.Vaddr
		end := start + segment.Memsz
		for page := alignDown(start, pmm.PageSize); page < end; page += pmm.PageSize {
			pte, err := l.pt.EntryAt(page)
			if err != nil {
				continue
			}
			if pte.HasFlags(vmm.FlagCopyOnWrite) {
				pte.ClearFlags(vmm.FlagCopyOnWrite)
				l.pt.SetEntryAt(page, pte)
			}
		}
	}
}

// handleRelroSegment clears FlagRW from every page a GNU_RELRO segment
// spans, once relocations have finished writing to it.
func (l *Loader) handleRelroSegment(segment *elf.Prog) {
	start := l.virtOffset + segment.Vaddr
	end := start + segment.Memsz
	for page := alignDown(start, pmm.PageSize); page < end; page += pmm.PageSize {
		pte, err := l.pt.EntryAt(page)
		if err != nil {
			continue
		}
		if pte.HasFlags(vmm.FlagRW) {
			pte.ClearFlags(vmm.FlagRW)
			l.pt.SetEntryAt(page, pte)
		}
	}
}

func alignDown(addr, align uint64) uint64 { return addr &^ (align - 1) }
func alignUp(addr, align uint64) uint64   { return alignDown(addr+align-1, align) }

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

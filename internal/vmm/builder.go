package vmm

import (
	"bootloader/internal/bootkernel"
	"bootloader/internal/pmm"
)

// Builder assembles the kernel's address space on top of an already
// allocated root PageTable: the stack with its guard page, the optional
// framebuffer mapping, the optional all-physical-memory mapping, and the
// optional recursive self-reference — the pieces spec.md groups under the
// "page-table builder & mapper" component, beyond the ELF segment mapping
// that internal/kernelelf owns directly.
type Builder struct {
	pt    *PageTable
	alloc AllocFrameFn
}

// NewBuilder wraps pt, using alloc to satisfy any intermediate page table
// allocations Map needs along the way.
func NewBuilder(pt *PageTable, alloc AllocFrameFn) *Builder {
	return &Builder{pt: pt, alloc: alloc}
}

// alignUp rounds size up to the next multiple of align (a power of two).
func alignUp(size uint64, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// MapStack maps sizeBytes of RW, non-executable stack memory ending at
// stackTopVirtAddr (exclusive), each page backed by a freshly allocated
// frame. The page immediately below the mapped range is left unmapped,
// serving as a guard page: a stack overflow faults instead of silently
// corrupting whatever follows.
func (b *Builder) MapStack(stackTopVirtAddr, sizeBytes uint64) *bootkernel.Error {
	sizeBytes = alignUp(sizeBytes, PageSize)
	start := stackTopVirtAddr - sizeBytes

	for addr := start; addr < stackTopVirtAddr; addr += PageSize {
		frame, err := b.alloc()
		if err != nil {
			return err
		}
		if err := b.pt.Map(addr, frame, FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}

	return nil
}

// MapFramebuffer maps byteLen bytes of the firmware-reported framebuffer
// physical range at physAddr to virtAddr, RW and non-executable.
func (b *Builder) MapFramebuffer(virtAddr, physAddr, byteLen uint64) *bootkernel.Error {
	byteLen = alignUp(byteLen, PageSize)

	for off := uint64(0); off < byteLen; off += PageSize {
		frame := pmm.FrameContaining(physAddr + off)
		if err := b.pt.Map(virtAddr+off, frame, FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}

	return nil
}

// MapPhysicalMemory maps every physical frame below maxPhysAddr at
// virtOffset+physAddr using 2 MiB pages, RW and non-executable, giving the
// kernel direct access to all of physical memory without needing its own
// bump allocator bootstrap. maxPhysAddr is rounded up to the enclosing 2
// MiB boundary, matching a huge-page-granularity walk over the whole range.
func (b *Builder) MapPhysicalMemory(virtOffset, maxPhysAddr uint64) *bootkernel.Error {
	end := alignUp(maxPhysAddr, HugePageSize)
	for physAddr := uint64(0); physAddr < end; physAddr += HugePageSize {
		if err := b.pt.MapHugePage(virtOffset+physAddr, physAddr, FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}

	return nil
}

// InstallRecursiveMapping points PML4 entry index at the table's own root
// frame, so that once this table is active, the recursive virtual address
// scheme (pdtVirtualAddr and friends) can be used to reach any page-table
// page via ordinary pointer dereferences. Present+RW only: the index must
// never be executable.
func (b *Builder) InstallRecursiveMapping(index uint16) {
	var pte PageTableEntry
	pte.SetFrame(b.pt.Root())
	pte.SetFlags(FlagPresent | FlagRW)
	b.pt.store.WriteEntry(b.pt.root, index, pte)
}

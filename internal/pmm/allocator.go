package pmm

import "bootloader/internal/bootkernel"

// lowerMemoryEndAddr is the first physical address past the lower 1 MiB.
// Frames below this are never handed out: address 0 is avoided outright
// (several downstream pointer types treat address 0 as "no value"), and the
// rest of the first megabyte is kept free for callers that still need
// conventional-memory access, e.g. an SMP startup IPI vector.
const lowerMemoryEndAddr = 0x10_0000

var errOutOfFrames = &bootkernel.Error{Stage: "pmm", Message: "out of physical frames"}

// FirmwareRegion is a single entry of a BIOS E820 map or a UEFI memory
// descriptor, abstracted away from which firmware produced it.
type FirmwareRegion interface {
	Start() uint64
	Len() uint64
	Kind() Kind
	// UnknownCode returns the original firmware type code when Kind is
	// UnknownBios/UnknownUefi.
	UnknownCode() uint32
	// UsableAfterBootloaderExit reports whether this region becomes
	// usable only once the bootloader hands off (e.g. UEFI
	// boot-services-owned memory reclaimed at ExitBootServices).
	UsableAfterBootloaderExit() bool
}

// LegacyFrameAllocator hands out physical frames from a firmware-supplied
// memory map, in ascending address order, without ever freeing one. It is
// "legacy" in the same sense the upstream bootloader crate uses the term:
// it works directly off the raw BIOS/UEFI descriptors rather than a richer
// kernel-side allocator.
type LegacyFrameAllocator struct {
	original []FirmwareRegion

	cursor            int // index into original of the in-progress descriptor
	cursorNextFrame   Frame
	exhaustedToCursor bool

	nextFrame Frame
	minFrame  Frame
}

// NewLegacyFrameAllocator builds an allocator over memoryMap, skipping the
// lower 1 MiB of physical memory.
func NewLegacyFrameAllocator(memoryMap []FirmwareRegion) *LegacyFrameAllocator {
	return NewLegacyFrameAllocatorStartingAt(FrameContaining(lowerMemoryEndAddr), memoryMap)
}

// NewLegacyFrameAllocatorStartingAt builds an allocator over memoryMap,
// skipping any frame before start or before the end of the lower 1 MiB,
// whichever is higher.
func NewLegacyFrameAllocatorStartingAt(start Frame, memoryMap []FirmwareRegion) *LegacyFrameAllocator {
	lowerMemEnd := FrameContaining(lowerMemoryEndAddr)
	if start < lowerMemEnd {
		start = lowerMemEnd
	}

	return &LegacyFrameAllocator{
		original:  memoryMap,
		cursor:    -1,
		nextFrame: start,
		minFrame:  start,
	}
}

// allocateFromRegion attempts to hand out nextFrame from region, advancing
// nextFrame past it on success.
func (a *LegacyFrameAllocator) allocateFromRegion(region FirmwareRegion) (Frame, bool) {
	startFrame := FrameContaining(region.Start())
	endFrame := FrameContaining(region.Start() + region.Len() - 1)

	if a.nextFrame < startFrame {
		a.nextFrame = startFrame
	}

	if a.nextFrame > endFrame {
		return InvalidFrame, false
	}

	ret := a.nextFrame
	a.nextFrame++
	return ret, true
}

// AllocateFrame returns the next free frame, or an error if the memory map
// has been exhausted.
func (a *LegacyFrameAllocator) AllocateFrame() (Frame, *bootkernel.Error) {
	if a.cursor >= 0 && a.cursor < len(a.original) {
		if frame, ok := a.allocateFromRegion(a.original[a.cursor]); ok {
			return frame, nil
		}
		a.cursor = -1
	}

	for i := a.cursor + 1; i < len(a.original); i++ {
		region := a.original[i]
		if region.Kind() != Usable {
			continue
		}
		if frame, ok := a.allocateFromRegion(region); ok {
			a.cursor = i
			return frame, nil
		}
	}

	a.cursor = len(a.original)
	return InvalidFrame, errOutOfFrames
}

// MaxPhysAddr returns the highest physical address covered by any region in
// the map, clamped to at least 4 GiB so the kernel can always map the
// low MMIO range (local APIC, I/O APIC, PCI BARs) even on machines with
// less DRAM than that.
func (a *LegacyFrameAllocator) MaxPhysAddr() uint64 {
	var max uint64
	for _, r := range a.original {
		if end := r.Start() + r.Len(); end > max {
			max = end
		}
	}
	if max < 0x1_0000_0000 {
		max = 0x1_0000_0000
	}
	return max
}

// MemoryMapMaxRegionCount returns the maximum number of regions
// ConstructMemoryMap can produce: every used slice (bootloader-reserved
// range, kernel image, ramdisk) can split one original region into three,
// so each of the three used slices reserves two extra output slots.
func (a *LegacyFrameAllocator) MemoryMapMaxRegionCount() int {
	return len(a.original) + 6
}

// usedSlice is a physical range the bootloader has claimed and that must be
// carved out of whatever Usable region it falls within.
type usedSlice struct {
	start, end uint64
}

// ConstructMemoryMap collapses the firmware memory map and the allocator's
// own bookkeeping into the final region list handed to the kernel. Usable
// regions are split around the bootloader's own allocations, the kernel
// image, and (if present) the ramdisk image, each reclassified as
// Bootloader. Regions that the firmware reports as becoming usable only
// after the bootloader exits (UEFI boot-services memory) are reclassified
// to Usable directly, since the allocator never touches them.
func (a *LegacyFrameAllocator) ConstructMemoryMap(kernelStart, kernelLen uint64, ramdiskStart *uint64, ramdiskLen uint64) []MemoryRegion {
	used := []usedSlice{
		{alignDown(a.minFrame.Address(), PageSize), alignUp(a.nextFrame.Address(), PageSize)},
		{alignDown(kernelStart, PageSize), alignUp(kernelStart+kernelLen, PageSize)},
	}
	if ramdiskStart != nil {
		used = append(used, usedSlice{alignDown(*ramdiskStart, PageSize), alignUp(*ramdiskStart+ramdiskLen, PageSize)})
	}

	regions := make([]MemoryRegion, 0, a.MemoryMapMaxRegionCount())

	for _, descriptor := range a.original {
		kind := descriptor.Kind()
		if descriptor.UsableAfterBootloaderExit() {
			kind = Usable
		}

		region := MemoryRegion{
			Start:       descriptor.Start(),
			End:         descriptor.Start() + descriptor.Len(),
			Kind:        kind,
			UnknownCode: descriptor.UnknownCode(),
		}

		if region.Kind == Usable {
			regions = splitAndAddRegion(region, regions, used)
		} else {
			regions = addRegion(region, regions)
		}
	}

	return regions
}

// splitAndAddRegion carves any overlap with used out of region, emitting
// alternating Usable/Bootloader sub-regions in ascending address order.
func splitAndAddRegion(region MemoryRegion, regions []MemoryRegion, used []usedSlice) []MemoryRegion {
	for region.Start != region.End {
		overlapFound := false
		var overlapStart, overlapEnd uint64

		for _, slice := range used {
			s := max64(region.Start, slice.start)
			e := min64(region.End, slice.end)
			if s >= e {
				continue
			}
			if !overlapFound || s < overlapStart {
				overlapFound, overlapStart, overlapEnd = true, s, e
			}
		}

		if !overlapFound {
			regions = addRegion(region, regions)
			break
		}

		regions = addRegion(MemoryRegion{Start: region.Start, End: overlapStart, Kind: Usable}, regions)
		regions = addRegion(MemoryRegion{Start: overlapStart, End: overlapEnd, Kind: Bootloader}, regions)
		region.Start = overlapEnd
	}
	return regions
}

// addRegion appends region to regions, dropping zero-length regions.
func addRegion(region MemoryRegion, regions []MemoryRegion) []MemoryRegion {
	if region.Start == region.End {
		return regions
	}
	return append(regions, region)
}

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

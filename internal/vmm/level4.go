package vmm

import (
	"encoding/binary"
	"math/rand"

	"bootloader/internal/cpu"
)

// entropyFn is swapped out by tests so ASLR seeding doesn't depend on the
// real hardware entropy sources being present.
var entropyFn = cpu.BuildEntropy

// PageSize is the fixed 4 KiB granularity mappings are built at.
const PageSize = 4096

// HugePageSize is the 2 MiB granularity used for the physical-memory
// mapping and the stage-3 identity map, one PD entry's worth of address
// space (512 * PageSize).
const HugePageSize = 512 * PageSize

// level4EntrySize is the span of virtual address space a single PML4 entry
// covers: 512 GiB.
const level4EntrySize = uint64(PageSize) * 512 * 512 * 512

// MappingConfig carries the subset of BootloaderConfig that determines
// which level-4 entries are statically reserved before the kernel's own
// segments are mapped. A nil field means "Dynamic" (no fixed address to
// reserve up front); a non-nil field is the fixed virtual address from the
// matching config.Mapping.
type MappingConfig struct {
	PhysicalMemory     *uint64
	PageTableRecursive *uint64
	KernelStack        *uint64
	BootInfo           *uint64
	Framebuffer        *uint64
	DynamicRangeStart  *uint64
	DynamicRangeEnd    *uint64
	ASLR               bool
}

// UsedLevel4Entries tracks which of the 512 top-level page-table slots are
// already spoken for, so the loader can find free virtual-address-space
// runs for the pieces it still needs to place (the phys-memory map, the
// recursive mapping, boot info, stack, etc).
type UsedLevel4Entries struct {
	entryUsed [512]bool
	rng       *rand.Rand // nil when ASLR is disabled
}

// NewUsedLevel4Entries builds a tracker seeded from cfg, maxPhysAddr (used
// to size a fixed physical-memory mapping), regionsLen (the memory-map
// length, used to size a fixed boot-info mapping), kernelStackSize, and the
// framebuffer's byte length (0 if there is no framebuffer).
func NewUsedLevel4Entries(maxPhysAddr uint64, regionsLen int, kernelStackSize uint64, framebufferLen uint64, bootInfoStructSize uint64, cfg MappingConfig) *UsedLevel4Entries {
	u := &UsedLevel4Entries{}
	if cfg.ASLR {
		u.rng = newEntropyRand()
	}

	// Entry 0 always covers low virtual addresses the kernel's own load
	// segments may land in.
	u.entryUsed[0] = true

	if cfg.PhysicalMemory != nil {
		u.markRangeUsed(*cfg.PhysicalMemory, maxPhysAddr)
	}
	if cfg.PageTableRecursive != nil {
		u.markP4IndexUsed(p4Index(*cfg.PageTableRecursive))
	}
	if cfg.KernelStack != nil {
		u.markRangeUsed(*cfg.KernelStack, kernelStackSize)
	}
	if cfg.BootInfo != nil {
		// One region slot might be split into a used/unused pair by the
		// frame allocator's split-and-add step.
		regions := uint64(regionsLen + 1)
		u.markRangeUsed(*cfg.BootInfo, bootInfoStructSize+regions*memoryRegionSize)
	}
	if cfg.Framebuffer != nil && framebufferLen > 0 {
		u.markRangeUsed(*cfg.Framebuffer, framebufferLen)
	}

	// Mark everything before the dynamic range as unusable: the page
	// immediately preceding dynamic_range_start determines how many low
	// PML4 entries are off-limits. A start at address 0 has no preceding
	// page, so nothing to reserve.
	if cfg.DynamicRangeStart != nil {
		if start := *cfg.DynamicRangeStart; start >= PageSize {
			idx := p4Index(start - PageSize)
			for i := uint16(0); i <= idx; i++ {
				u.markP4IndexUsed(i)
			}
		}
	}

	// Mark everything after the dynamic range as unusable, symmetrically.
	if cfg.DynamicRangeEnd != nil {
		if end := *cfg.DynamicRangeEnd; end+PageSize > end {
			idx := p4Index(end + PageSize)
			for i := idx; i < 512; i++ {
				u.markP4IndexUsed(i)
			}
		}
	}

	return u
}

// memoryRegionSize equals bootinfo.MemoryRegionSize, the encoded size of
// one memory region: two uint64s plus a 4-byte Kind plus a 4-byte
// UnknownCode.
const memoryRegionSize = 24

// p4Index extracts the PML4 index (bits 39-47) out of a virtual address.
func p4Index(virtAddr uint64) uint16 {
	return uint16((virtAddr >> 39) & 0x1ff)
}

// markRangeUsed marks every PML4 entry touched by [address, address+size)
// as used.
func (u *UsedLevel4Entries) markRangeUsed(address, size uint64) {
	if size == 0 {
		return
	}
	endInclusive := address + size - 1
	for idx := p4Index(address); idx <= p4Index(endInclusive); idx++ {
		u.markP4IndexUsed(idx)
	}
}

func (u *UsedLevel4Entries) markP4IndexUsed(idx uint16) {
	u.entryUsed[idx] = true
}

// MarkSegmentUsed marks the PML4 entries spanned by one ELF segment's
// virtual address range (already offset into the final address space) as
// used.
func (u *UsedLevel4Entries) MarkSegmentUsed(virtualAddr, memSize uint64) {
	if memSize == 0 {
		return
	}
	u.markRangeUsed(virtualAddr, memSize)
}

// GetFreeEntries returns the index of the first run of num contiguous free
// PML4 entries (or, with ASLR enabled, a uniformly chosen run among all
// valid ones) and marks them used. Panics if no such run exists — like the
// upstream allocator, level-4 exhaustion has no recovery path short of
// failing the boot.
func (u *UsedLevel4Entries) GetFreeEntries(num uint16) uint16 {
	var candidates []uint16
	for start := 0; start+int(num) <= 512; start++ {
		free := true
		for i := 0; i < int(num); i++ {
			if u.entryUsed[start+i] {
				free = false
				break
			}
		}
		if free {
			candidates = append(candidates, uint16(start))
		}
	}

	if len(candidates) == 0 {
		panic("no usable level-4 entries found")
	}

	var idx uint16
	if u.rng != nil {
		idx = candidates[u.rng.Intn(len(candidates))]
	} else {
		idx = candidates[0]
	}

	for i := 0; i < int(num); i++ {
		u.entryUsed[idx+i] = true
	}

	return idx
}

// GetFreeAddress returns a virtual address with size contiguous free bytes
// starting at it (rounded up to whole 512 GiB level-4 entries) and
// marks the underlying entries used. alignment must be a power of two.
func (u *UsedLevel4Entries) GetFreeAddress(size, alignment uint64) uint64 {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		panic("alignment must be a power of two")
	}

	entries := (size + level4EntrySize - 1) / level4EntrySize
	idx := u.GetFreeEntries(uint16(entries))
	base := uint64(idx) << 39

	var offset uint64
	if u.rng != nil {
		maxOffset := level4EntrySize - (size % level4EntrySize)
		steps := maxOffset / alignment
		if steps > 0 {
			offset = uint64(u.rng.Int63n(int64(steps))) * alignment
		}
	}

	return base + offset
}

// newEntropyRand seeds a math/rand source from the three hardware entropy
// sources. math/rand's generator is not cryptographically strong, but
// neither was the upstream HC128 stream cipher chosen here for strength —
// both exist only to decorrelate successive boot addresses for ASLR.
func newEntropyRand() *rand.Rand {
	seed := entropyFn()
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:8]))))
}

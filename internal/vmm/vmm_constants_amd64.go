package vmm

import "math"

const (
	// pageLevels is the number of page-table levels the amd64 architecture
	// walks on every translation: PML4, PDPT, PD, PT.
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address from a page-table
	// entry: bits 12-51.
	ptePhysPageMask = uint64(0x000f_ffff_ffff_f000)

	// tempMappingAddr is a reserved virtual page used for one-off physical
	// mappings (e.g. touching a not-yet-mapped PDT page). Table indices:
	// 510, 511, 511, 511.
	tempMappingAddr = uint64(0xffff_ff7f_ffff_f000)
)

// pdtVirtualAddr exploits the recursive self-mapping installed in the last
// PML4 entry: setting every page-level index bit to 1 makes the MMU walk
// the last entry at every level, landing on the PML4 table itself.
var pdtVirtualAddr = uint64(math.MaxUint64 &^ ((1 << 12) - 1))

// pageLevelBits is the number of virtual-address bits each page level
// consumes: 9 bits per level (512 entries) on amd64.
var pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

// pageLevelShifts is the bit shift used to extract each level's index out
// of a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// PageTableEntryFlag is a single bit of a page-table entry's flags field.
type PageTableEntryFlag uint64

const (
	// FlagPresent marks the entry as backed by a physical frame.
	FlagPresent PageTableEntryFlag = 1 << iota
	// FlagRW allows writes through this mapping.
	FlagRW
	// FlagUserAccessible allows ring-3 code to use this mapping.
	FlagUserAccessible
	// FlagWriteThroughCaching selects write-through instead of write-back.
	FlagWriteThroughCaching
	// FlagDoNotCache disables caching for this mapping.
	FlagDoNotCache
	// FlagAccessed is set by the CPU on first access.
	FlagAccessed
	// FlagDirty is set by the CPU on first write.
	FlagDirty
	// FlagHugePage selects a 2 MiB (PD) or 1 GiB (PDPT) page.
	FlagHugePage
	// FlagGlobal exempts the TLB entry from flushing on a CR3 reload.
	FlagGlobal

	// FlagCopyOnWrite reuses the otherwise-ignored "available" bit 9 to
	// mark a page whose ELF-resident frame the loader has already replaced
	// with a private copy (internal/kernelelf's makeMut), so later writes
	// reuse that copy. It is set alongside the segment's own flags, FlagRW
	// included, and cleared again before the page table is handed off.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagNoExecute (EFER.NXE-gated) marks the page non-executable.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// Package pmm implements the physical-memory side of the boot path: the
// firmware-supplied memory map is turned into a Frame allocator during
// loading, then collapsed back into a final MemoryRegion slice that is
// handed to the kernel as part of BootInfo.
package pmm

// Kind classifies a MemoryRegion the way the firmware (or this bootloader)
// sees it.
type Kind int

const (
	// Usable memory is free for the kernel to use once it takes over.
	Usable Kind = iota
	// Bootloader memory is currently occupied by the bootloader itself
	// (its own stack/heap, the kernel image, the ramdisk) and must be
	// reserved until the kernel decides it's safe to reclaim it.
	Bootloader
	// UnknownBios covers any BIOS E820 memory-map entry type this
	// bootloader does not otherwise special-case; the original numeric
	// type code is preserved so the kernel can make its own decision.
	UnknownBios
	// UnknownUefi mirrors UnknownBios for UEFI memory descriptors whose
	// type this bootloader treats opaquely.
	UnknownUefi
)

// MemoryRegion describes a half-open physical address range [Start, End)
// and what it is currently used for. internal/bootinfo encodes it field by
// field into the 24-byte entry the kernel receives inside BootInfo; this Go
// struct's own layout is not what the kernel sees.
type MemoryRegion struct {
	Start uint64
	End   uint64
	Kind  Kind

	// UnknownCode carries the original BIOS/UEFI type code when Kind is
	// UnknownBios or UnknownUefi; zero otherwise.
	UnknownCode uint32
}

// Len returns the size of the region in bytes.
func (r MemoryRegion) Len() uint64 {
	return r.End - r.Start
}

// usableAfterExit reports whether this region becomes usable once the
// bootloader hands off control (UEFI boot-services memory and the like).
// Legacy BIOS descriptors never apply here: only a firmware-sourced region
// constructor can set this.
type usableAfterExit interface {
	UsableAfterBootloaderExit() bool
}

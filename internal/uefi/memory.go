package uefi

import "bootloader/internal/pmm"

// MemoryType mirrors the EFI_MEMORY_TYPE enum returned by
// GetMemoryMap/ExitBootServices.
type MemoryType uint32

const (
	MemoryTypeReservedMemoryType MemoryType = iota
	MemoryTypeLoaderCode
	MemoryTypeLoaderData
	MemoryTypeBootServicesCode
	MemoryTypeBootServicesData
	MemoryTypeRuntimeServicesCode
	MemoryTypeRuntimeServicesData
	MemoryTypeConventionalMemory
	MemoryTypeUnusableMemory
	MemoryTypeACPIReclaimMemory
	MemoryTypeACPIMemoryNVS
	MemoryTypeMemoryMappedIO
	MemoryTypeMemoryMappedIOPortSpace
	MemoryTypePalCode
	MemoryTypePersistentMemory
)

// uefiPageSize is the fixed 4 KiB unit EFI_MEMORY_DESCRIPTOR.NumberOfPages
// counts in, independent of whatever page size the kernel's own paging
// setup later uses.
const uefiPageSize = 4096

// MemoryDescriptor is one EFI_MEMORY_DESCRIPTOR entry from the map
// returned by GetMemoryMap, trimmed to the fields this bootloader needs.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	NumberOfPages uint64
}

// Start, Len, Kind, UnknownCode and UsableAfterBootloaderExit implement
// pmm.FirmwareRegion, letting a UEFI memory map feed
// pmm.NewLegacyFrameAllocator and LegacyFrameAllocator.ConstructMemoryMap
// the same way a decoded BIOS E820 map does.

func (d MemoryDescriptor) Start() uint64 { return d.PhysicalStart }

func (d MemoryDescriptor) Len() uint64 { return d.NumberOfPages * uefiPageSize }

func (d MemoryDescriptor) Kind() pmm.Kind {
	if d.Type == MemoryTypeConventionalMemory || d.usableAfterExit() {
		return pmm.Usable
	}
	return pmm.UnknownUefi
}

func (d MemoryDescriptor) UnknownCode() uint32 {
	if d.Kind() == pmm.UnknownUefi {
		return uint32(d.Type)
	}
	return 0
}

// UsableAfterBootloaderExit reports whether this descriptor's memory is
// only safe for the kernel to reclaim once Boot Services has been exited:
// the loader itself, and the firmware services it called through, still
// occupy this memory up to that point.
func (d MemoryDescriptor) UsableAfterBootloaderExit() bool {
	return d.usableAfterExit()
}

func (d MemoryDescriptor) usableAfterExit() bool {
	switch d.Type {
	case MemoryTypeLoaderCode, MemoryTypeLoaderData,
		MemoryTypeBootServicesCode, MemoryTypeBootServicesData,
		MemoryTypeRuntimeServicesCode, MemoryTypeRuntimeServicesData:
		return true
	default:
		return false
	}
}

// ToMemoryRegion converts a single descriptor directly to a
// pmm.MemoryRegion, for callers (e.g. RunLoader's diagnostics) that want
// the finished shape without building a LegacyFrameAllocator around the
// whole map.
func (d MemoryDescriptor) ToMemoryRegion() pmm.MemoryRegion {
	kind := d.Kind()
	region := pmm.MemoryRegion{Start: d.Start(), End: d.Start() + d.Len(), Kind: kind}
	if kind == pmm.UnknownUefi {
		region.UnknownCode = uint32(d.Type)
	}
	return region
}

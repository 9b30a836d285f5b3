package vmm

import (
	"unsafe"

	"bootloader/internal/mem"
	"bootloader/internal/pmm"
)

// IdentityFrameStore implements FrameStore by treating a physical frame's
// address as directly dereferenceable. This holds for every stage that
// actually builds a PageTable: BIOS stage-3/4 runs with an identity-mapped
// low-memory page table already active, and the UEFI stage runs with
// firmware's own identity mapping of all of RAM still in effect. Neither
// has a reason to build a separate access path for its own frames.
type IdentityFrameStore struct{}

func (IdentityFrameStore) ReadEntry(f pmm.Frame, index uint16) PageTableEntry {
	ptr := (*[512]PageTableEntry)(unsafe.Pointer(uintptr(f.Address())))
	return ptr[index]
}

func (IdentityFrameStore) WriteEntry(f pmm.Frame, index uint16, pte PageTableEntry) {
	ptr := (*[512]PageTableEntry)(unsafe.Pointer(uintptr(f.Address())))
	ptr[index] = pte
}

func (IdentityFrameStore) ZeroFrame(f pmm.Frame) {
	mem.Memset(uintptr(f.Address()), 0, pmm.PageSize)
}

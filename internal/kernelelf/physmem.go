package kernelelf

import (
	"unsafe"

	"bootloader/internal/mem"
)

// PhysMemory gives the loader raw access to physical memory by address,
// the operation load_kernel.rs performs with direct pointer casts under
// the assumption that all of RAM is identity-mapped at this point in
// boot. Tests substitute a plain byte-slice-backed implementation.
type PhysMemory interface {
	ReadAt(physAddr uint64, buf []byte)
	WriteAt(physAddr uint64, buf []byte)
	Zero(physAddr uint64, size uint64)
}

// IdentityPhysMemory is the production PhysMemory: BIOS stage-3/4 and
// UEFI both already have all of RAM identity-mapped when the kernel is
// loaded, so a physical address can be dereferenced directly.
type IdentityPhysMemory struct{}

func (IdentityPhysMemory) ReadAt(physAddr uint64, buf []byte) {
	if len(buf) == 0 {
		return
	}
	mem.Memcopy(uintptr(physAddr), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
}

func (IdentityPhysMemory) WriteAt(physAddr uint64, buf []byte) {
	if len(buf) == 0 {
		return
	}
	mem.Memcopy(uintptr(unsafe.Pointer(&buf[0])), uintptr(physAddr), uintptr(len(buf)))
}

func (IdentityPhysMemory) Zero(physAddr uint64, size uint64) {
	mem.Memset(uintptr(physAddr), 0, uintptr(size))
}

package uefi

import "bootloader/internal/kernelelf"

// GUID is a UEFI_GUID: 16 bytes, compared byte-for-byte. The EFI spec
// defines it as {Data1 uint32, Data2/3 uint16, Data4 [8]byte}, but nothing
// here needs to decode the fields individually.
type GUID [16]byte

// The two configuration-table GUIDs a UEFI system publishes an ACPI root
// pointer under. ACPI 2.0+ firmware (almost everything since ~2006)
// publishes both; ACPI 1.0-only firmware publishes just the second.
var (
	acpi20TableGUID = GUID{0x71, 0xe8, 0x68, 0x88, 0xf1, 0xe4, 0xd3, 0x11, 0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81}
	acpi10TableGUID = GUID{0x30, 0x2d, 0x9d, 0xeb, 0x88, 0x2d, 0xd3, 0x11, 0x9a, 0x16, 0x00, 0x90, 0x27, 0x3f, 0xc1, 0x4e}
)

// rsdp1Length is sizeof(RSDPDescriptor): the ACPI 1.0 RSDP layout, also
// the checksummed prefix of the ACPI 2.0+ extended RSDP.
const rsdp1Length = 20

// rsdpLengthFieldOffset is the byte offset of the ACPI 2.0+ extended
// RSDP's Length field (a little-endian uint32 giving the whole
// structure's size, including the 20-byte ACPI 1.0 prefix).
const rsdpLengthFieldOffset = 20

// ConfigTableEntry is one EFI_CONFIGURATION_TABLE entry from the UEFI
// system table: a GUID tag and the physical address of the table it
// identifies.
type ConfigTableEntry struct {
	VendorGUID  GUID
	VendorTable uint64
}

// FindRSDP scans the firmware's configuration table for an ACPI root
// system description pointer, the UEFI equivalent of the BIOS stage's
// physical-memory signature scan: instead of searching [0xe0000,0xfffff]
// for the "RSD PTR " signature, the table is already tagged by GUID, so
// only a checksum validation is needed once a matching entry is found.
//
// An ACPI 2.0+ entry is always preferred; if only an ACPI 1.0 entry is
// present (or the 2.0 entry fails its checksum), the 1.0 entry is used
// instead. mem provides raw access to the table's bytes for the
// checksum, the same seam internal/kernelelf uses to read the kernel
// image under the all-of-RAM-identity-mapped assumption UEFI guarantees
// before ExitBootServices.
func FindRSDP(entries []ConfigTableEntry, mem kernelelf.PhysMemory) (uint64, bool) {
	var fallback uint64
	haveFallback := false

	for _, e := range entries {
		switch e.VendorGUID {
		case acpi20TableGUID:
			length := rsdp2Length(e.VendorTable, mem)
			if validChecksum(e.VendorTable, length, mem) {
				return e.VendorTable, true
			}
		case acpi10TableGUID:
			if validChecksum(e.VendorTable, rsdp1Length, mem) {
				fallback, haveFallback = e.VendorTable, true
			}
		}
	}

	return fallback, haveFallback
}

// rsdp2Length reads the extended RSDP's own Length field rather than
// assuming sizeof(ExtRSDPDescriptor), since a future ACPI revision is
// free to extend it further.
func rsdp2Length(addr uint64, mem kernelelf.PhysMemory) uint32 {
	var buf [4]byte
	mem.ReadAt(addr+rsdpLengthFieldOffset, buf[:])
	return le32(buf[:])
}

func validChecksum(addr uint64, length uint32, mem kernelelf.PhysMemory) bool {
	if length == 0 {
		return false
	}
	buf := make([]byte, length)
	mem.ReadAt(addr, buf)
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return sum == 0
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

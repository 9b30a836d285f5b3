// Command diskbuilder assembles a bootable disk image from a built
// stage-2/3/4 binary set, a kernel ELF, and optional ramdisk/config
// files: an MBR with a raw stage-2 partition followed by a FAT partition
// for the BIOS path (the bios subcommand), or a GPT disk whose FAT-formatted
// EFI System Partition carries /EFI/BOOT/BOOTX64.EFI for the UEFI path (the
// uefi subcommand). It is host tooling,
// not part of the boot pipeline itself: nothing here runs before the
// kernel does.
package main

const (
	sectorSize         = 512
	partitionTableSize = 4 * partitionEntrySize
	partitionEntrySize = 16
	partitionTableOffset = 446
	bootSignatureOffset   = 510
)

// stage2PartitionType is the MBR partition type the boot sector looks for
// when it locates the second-stage partition.
const stage2PartitionType = 0x20

// fatPartitionType is the MBR partition type used for the FAT partition
// that follows the stage-2 partition; 0x06 is plain FAT16, one of the six
// types the boot sector accepts.
const fatPartitionType = 0x06

// mbrPartition is the write-side mirror of bios.PartitionTableEntry.
type mbrPartition struct {
	bootable bool
	kind     byte
	lbaStart uint32
	sectors  uint32
}

// writeMBR lays out boot as a 512-byte boot sector: bootCode occupies the
// first 446 bytes (zero-padded if shorter, truncated if longer — the boot
// sector carries real stage-1 machine code, not a placeholder, but this
// tool doesn't assemble that code itself), followed by up to four
// partition entries and the 0x55AA signature.
func writeMBR(bootCode []byte, partitions []mbrPartition) []byte {
	sector := make([]byte, sectorSize)
	copy(sector[:partitionTableOffset], bootCode)

	for i, p := range partitions {
		if i >= 4 {
			break
		}
		writePartitionEntry(sector[partitionTableOffset+i*partitionEntrySize:], p)
	}

	sector[bootSignatureOffset] = 0x55
	sector[bootSignatureOffset+1] = 0xAA
	return sector
}

func writePartitionEntry(raw []byte, p mbrPartition) {
	if p.bootable {
		raw[0] = 0x80
	}
	// CHS start/end fields ([1:4], [5:8]) are left zero: every BIOS this
	// targets reads partitions through the extended INT 0x13 calls, which
	// use the LBA fields exclusively.
	raw[4] = p.kind
	putLE32(raw[8:12], p.lbaStart)
	putLE32(raw[12:16], p.sectors)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

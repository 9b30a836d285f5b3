package main

import (
	"crypto/rand"
	"fmt"
)

// biosDataPartitionPadding is headroom added on top of the exact bytes
// buildFATImage reports as needed, so the FAT volume the boot sector
// walks isn't packed to the very last cluster — matching how every disk
// image in the original crate's tooling leaves the data partition sized
// a little larger than its initial contents.
const biosDataPartitionPadding = 64 * 1024

// buildBIOSDisk assembles the disk layout §4.7/§184 describes: an MBR
// whose first partition (type 0x20) holds the raw stage-2 binary, whose
// second partition (type 0x06, FAT16/12) holds the named files stage 2
// loads by name.
func buildBIOSDisk(stage2 []byte, dataFiles []fatFile) ([]byte, error) {
	stage2Sectors := (len(stage2) + sectorSize - 1) / sectorSize
	stage2Bytes := stage2Sectors * sectorSize

	dataPartitionSize, err := minFATPartitionSize(dataFiles)
	if err != nil {
		return nil, err
	}
	dataPartitionSize += biosDataPartitionPadding
	dataPartitionSize = roundUpSector(dataPartitionSize)

	fatImage, err := buildFATImage(dataFiles, uint64(dataPartitionSize))
	if err != nil {
		return nil, err
	}

	stage2LBA := uint32(1)
	dataLBA := stage2LBA + uint32(stage2Sectors)

	mbr := writeMBR(nil, []mbrPartition{
		{bootable: true, kind: stage2PartitionType, lbaStart: stage2LBA, sectors: uint32(stage2Sectors)},
		{kind: fatPartitionType, lbaStart: dataLBA, sectors: uint32(dataPartitionSize / sectorSize)},
	})

	image := make([]byte, sectorSize+stage2Bytes+dataPartitionSize)
	copy(image[0:sectorSize], mbr)
	copy(image[sectorSize:], stage2)
	copy(image[sectorSize+stage2Bytes:], fatImage)
	return image, nil
}

// buildUEFIDisk assembles the layout §186 describes: a GPT disk with a
// single EFI System Partition containing /EFI/BOOT/BOOTX64.EFI (the
// loader binary) and the same named files in the ESP's root.
func buildUEFIDisk(loader []byte, espFiles []fatFile) ([]byte, error) {
	all := append([]fatFile{{Path: "EFI/BOOT/BOOTX64.EFI", Data: loader}}, espFiles...)

	size, err := minFATPartitionSize(all)
	if err != nil {
		return nil, err
	}
	size += biosDataPartitionPadding
	size = roundUpSector(size)

	espImage, err := buildFATImage(all, uint64(size))
	if err != nil {
		return nil, err
	}

	diskGUID, err := randomGUID()
	if err != nil {
		return nil, err
	}
	partGUID, err := randomGUID()
	if err != nil {
		return nil, err
	}
	return buildGPTDisk(espImage, diskGUID, partGUID), nil
}

// minFATPartitionSize measures the exact byte count buildFATImage needs
// for files by building the image against a generously large scratch
// size and reading back how much it actually used; FAT's own layout
// math makes that cheaper to compute this way than to invert analytically
// (the root-directory, FAT-table and data-region sizes are all
// interdependent through the cluster count fat12Threshold selects).
func minFATPartitionSize(files []fatFile) (int, error) {
	var total int
	for _, f := range files {
		total += len(f.Data)
	}
	// a generous one-time upper bound: file bytes, plus a fixed root/FAT
	// overhead allowance plenty large for the handful of files this tool
	// ever places in one directory.
	scratchSize := roundUpSector(total + 4*1024*1024)
	img, err := buildFATImage(files, uint64(scratchSize))
	if err != nil {
		return 0, err
	}
	// the boot sector's totalSectors field (set by buildFATImage to the
	// exact volume extent it used) tells us how much of img is real.
	totalSectors := le16(img[19:21])
	if totalSectors == 0 {
		return 0, fmt.Errorf("diskbuilder: built FAT image reports zero total sectors")
	}
	return int(totalSectors) * fatBytesPerSector, nil
}

func roundUpSector(n int) int {
	return ((n + sectorSize - 1) / sectorSize) * sectorSize
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func randomGUID() ([16]byte, error) {
	var g [16]byte
	if _, err := rand.Read(g[:]); err != nil {
		return g, fmt.Errorf("diskbuilder: generating a partition GUID: %w", err)
	}
	// RFC 4122 version 4 / variant bits, so the GUID is recognizable as a
	// valid random UUID by tooling that inspects the disk afterwards.
	g[6] = (g[6] & 0x0F) | 0x40
	g[8] = (g[8] & 0x3F) | 0x80
	return g, nil
}

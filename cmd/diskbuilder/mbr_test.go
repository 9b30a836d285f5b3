package main

import (
	"testing"

	"bootloader/internal/bios"
)

func TestWriteMBRRoundTripsThroughBiosParser(t *testing.T) {
	sector := writeMBR([]byte{0x90, 0x90}, []mbrPartition{
		{bootable: true, kind: stage2PartitionType, lbaStart: 1, sectors: 20},
		{kind: fatPartitionType, lbaStart: 21, sectors: 4096},
	})

	entries, err := bios.ParsePartitionTable(sector)
	if err != nil {
		t.Fatalf("ParsePartitionTable: %v", err)
	}

	stage2, ok := bios.FindPartition(entries, stage2PartitionType)
	if !ok {
		t.Fatal("stage-2 partition not found")
	}
	if !stage2.Bootable || stage2.LogicalBlockAddress != 1 || stage2.SectorCount != 20 {
		t.Errorf("stage2 partition = %+v", stage2)
	}

	data, ok := bios.FindPartition(entries, fatPartitionType)
	if !ok {
		t.Fatal("FAT partition not found")
	}
	if data.Bootable || data.LogicalBlockAddress != 21 || data.SectorCount != 4096 {
		t.Errorf("data partition = %+v", data)
	}

	if sector[510] != 0x55 || sector[511] != 0xAA {
		t.Errorf("boot signature = %x %x", sector[510], sector[511])
	}
}

func TestWriteMBRLeavesUnusedEntriesZero(t *testing.T) {
	sector := writeMBR(nil, []mbrPartition{
		{kind: stage2PartitionType, lbaStart: 1, sectors: 1},
	})
	entries, err := bios.ParsePartitionTable(sector)
	if err != nil {
		t.Fatalf("ParsePartitionTable: %v", err)
	}
	for i := 1; i < 4; i++ {
		if entries[i].PartitionType != 0 {
			t.Errorf("entry %d = %+v, want zero value", i, entries[i])
		}
	}
}

package bios

import (
	"testing"

	"bootloader/internal/bootinfo"
)

// writeLongNamePair writes a single long-name directory entry (name must
// be at most 13 characters, the capacity of one LFN entry) followed by
// its paired short entry, at byte offset off within root. It returns the
// offset of the next free entry slot.
func writeLongNamePair(root []byte, off int, name string, cluster uint32, size uint32) int {
	lfn := root[off : off+32]
	lfn[0] = 0x41
	chunk1, rest := splitN(name, 5)
	chunk2, rest := splitN(rest, 6)
	chunk3, _ := splitN(rest, 2)
	asciiUTF16(lfn[1:1+2*len(chunk1)], chunk1)
	asciiUTF16(lfn[14:14+2*len(chunk2)], chunk2)
	asciiUTF16(lfn[28:28+2*len(chunk3)], chunk3)
	lfn[11] = attrLongName

	short := root[off+32 : off+64]
	copy(short[0:8], "X       ")
	short[11] = 0x20
	putLE16(short[20:22], uint16(cluster>>16))
	putLE16(short[26:28], uint16(cluster))
	putLE32(short[28:32], size)

	return off + 64
}

func splitN(s string, n int) (string, string) {
	if len(s) <= n {
		return s, ""
	}
	return s[:n], s[n:]
}

func buildStage2FAT12Image() []byte {
	image := make([]byte, 512*7)
	putLE16(image[11:13], 512)
	image[13] = 1
	putLE16(image[14:16], 1)
	image[16] = 1
	putLE16(image[17:19], 16)
	putLE16(image[19:21], 7)
	putLE16(image[22:24], 1)

	fat := image[512:1024]
	writeFAT12Entry(fat, 2, 0x0FFF)
	writeFAT12Entry(fat, 3, 0x0FFF)
	writeFAT12Entry(fat, 4, 0x0FFF)

	root := image[1024:1536]
	off := writeLongNamePair(root, 0, fileStage3, 2, 10)
	off = writeLongNamePair(root, off, fileStage4, 3, 20)
	off = writeLongNamePair(root, off, fileKernel, 4, 30)
	root[off] = endOfDirectoryPrefix

	return image
}

func TestRunStage2LocatesFilesDecodesMemoryMapAndPicksMode(t *testing.T) {
	disk := &fakeDisk{data: buildStage2FAT12Image()}
	var e820 []byte
	e820 = appendE820Entry(e820, 0, 0x4000_0000, e820TypeUsable, 0)

	modes := []VesaMode{rgbMode(800, 600, 0x90, 4)}

	result, err := RunStage2(Stage2Input{
		DataPartition: disk,
		E820Raw:       e820,
		VesaModes:     modes,
		Config:        bootinfo.Config{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Files.Stage3.FileSize != 10 || result.Files.Stage4.FileSize != 20 || result.Files.Kernel.FileSize != 30 {
		t.Errorf("files decoded wrong: %+v", result.Files)
	}
	if result.Files.Ramdisk != nil || result.Files.ConfigFile != nil {
		t.Errorf("expected no optional files, got %+v", result.Files)
	}
	if len(result.MemoryRegions) != 1 || result.MemoryRegions[0].End != 0x4000_0000 {
		t.Errorf("memory regions decoded wrong: %+v", result.MemoryRegions)
	}
	if result.Mode.Width != 800 || result.Mode.Height != 600 {
		t.Errorf("mode selected wrong: %+v", result.Mode)
	}
}

func TestRunStage2FailsWhenRequiredFileMissing(t *testing.T) {
	// buildMinimalFAT12Image only contains boot-stage-3, not
	// boot-stage-4 or kernel-x86_64.
	disk := &fakeDisk{data: buildMinimalFAT12Image()}

	_, err := RunStage2(Stage2Input{
		DataPartition: disk,
		VesaModes:     []VesaMode{rgbMode(800, 600, 0x90, 4)},
	})
	if err == nil {
		t.Fatal("expected an error when boot-stage-4 is missing")
	}
}

func TestRunStage2FailsWhenNoModeSatisfiesMinimumSize(t *testing.T) {
	disk := &fakeDisk{data: buildStage2FAT12Image()}
	minWidth := uint64(1920)

	_, err := RunStage2(Stage2Input{
		DataPartition: disk,
		VesaModes:     []VesaMode{rgbMode(800, 600, 0x90, 4)},
		Config:        bootinfo.Config{MinFramebufferWidth: &minWidth},
	})
	if err == nil {
		t.Fatal("expected an error when no mode satisfies the minimum width")
	}
}

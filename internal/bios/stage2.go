package bios

import (
	"bootloader/internal/bootinfo"
	"bootloader/internal/bootkernel"
	"bootloader/internal/pmm"
)

// Named files stage 2 locates in the data partition's FAT root directory.
const (
	fileStage3  = "boot-stage-3"
	fileStage4  = "boot-stage-4"
	fileKernel  = "kernel-x86_64"
	fileRamdisk = "ramdisk"
	fileConfig  = "boot.json"
)

// defaultFramebufferBound is the size bound RunStage2 passes to
// SelectMode: no upper limit, so every enumerated VESA mode at or above
// the kernel's requested minimum passes SelectMode's size filter.
const defaultFramebufferBound = 0xFFFF

// Stage2Input bundles everything the real-mode/unreal-mode environment
// gathers before stage 2's file lookups and mode selection can run: the
// data partition's disk reader, the raw E820 buffer BIOS accumulated, the
// VESA modes the firmware enumerated, and the kernel's embedded Config
// (for its minimum framebuffer size request).
type Stage2Input struct {
	DataPartition DiskReader
	E820Raw       []byte
	VesaModes     []VesaMode
	Config        bootinfo.Config
}

// Stage2Files is the set of located FAT directory entries stage 2 needs to
// load before handing off to stage 3.
type Stage2Files struct {
	Stage3     File
	Stage4     File
	Kernel     File
	Ramdisk    *File
	ConfigFile *File
}

// Stage2Result is everything RunStage2 discovers, ready for stage 2 to
// load the located files into memory, enable the chosen VESA mode, and
// far-jump into stage 3 with a BiosInfo pointer built from it.
type Stage2Result struct {
	Files         Stage2Files
	MemoryRegions []pmm.MemoryRegion
	Mode          VesaMode
}

// RunStage2 parses the data partition's FAT filesystem, locates the named
// boot files, decodes the E820 memory map, and selects a VESA mode
// satisfying the kernel's requested minimum framebuffer size. It performs
// no I/O itself beyond what DataPartition's ReadAt does; loading file
// contents into memory and enabling the chosen mode are the caller's job.
func RunStage2(in Stage2Input) (*Stage2Result, *bootkernel.Error) {
	fs, err := OpenFileSystem(in.DataPartition)
	if err != nil {
		return nil, err
	}

	files, err := locateStage2Files(fs)
	if err != nil {
		return nil, err
	}

	regions := make([]pmm.MemoryRegion, 0, len(in.E820Raw)/e820EntrySize)
	for _, entry := range DecodeE820Entries(in.E820Raw) {
		regions = append(regions, entry.ToMemoryRegion())
	}

	minWidth, minHeight := framebufferMinimums(in.Config)
	var candidates []VesaMode
	for _, m := range in.VesaModes {
		if uint64(m.Width) >= minWidth && uint64(m.Height) >= minHeight {
			candidates = append(candidates, m)
		}
	}
	mode, ok := SelectMode(candidates, defaultFramebufferBound, defaultFramebufferBound)
	if !ok {
		return nil, &bootkernel.Error{Stage: "bios", Message: "no VESA mode satisfies the kernel's minimum framebuffer size"}
	}

	return &Stage2Result{Files: files, MemoryRegions: regions, Mode: mode}, nil
}

func locateStage2Files(fs *FileSystem) (Stage2Files, *bootkernel.Error) {
	stage3, err := requireFile(fs, fileStage3)
	if err != nil {
		return Stage2Files{}, err
	}
	stage4, err := requireFile(fs, fileStage4)
	if err != nil {
		return Stage2Files{}, err
	}
	kernel, err := requireFile(fs, fileKernel)
	if err != nil {
		return Stage2Files{}, err
	}
	ramdisk, err := optionalFile(fs, fileRamdisk)
	if err != nil {
		return Stage2Files{}, err
	}
	configFile, err := optionalFile(fs, fileConfig)
	if err != nil {
		return Stage2Files{}, err
	}

	return Stage2Files{Stage3: stage3, Stage4: stage4, Kernel: kernel, Ramdisk: ramdisk, ConfigFile: configFile}, nil
}

func requireFile(fs *FileSystem, name string) (File, *bootkernel.Error) {
	file, ok, err := fs.FindFileInRootDir(name)
	if err != nil {
		return File{}, err
	}
	if !ok {
		return File{}, &bootkernel.Error{Stage: "bios", Message: "required file " + name + " not found on data partition"}
	}
	return file, nil
}

func optionalFile(fs *FileSystem, name string) (*File, *bootkernel.Error) {
	file, ok, err := fs.FindFileInRootDir(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &file, nil
}

// framebufferMinimums returns the kernel's requested minimum framebuffer
// width and height, zero where the config leaves one unset.
func framebufferMinimums(cfg bootinfo.Config) (width, height uint64) {
	if cfg.MinFramebufferWidth != nil {
		width = *cfg.MinFramebufferWidth
	}
	if cfg.MinFramebufferHeight != nil {
		height = *cfg.MinFramebufferHeight
	}
	return width, height
}

package uefi

import (
	"bootloader/internal/bootinfo"
	"bootloader/internal/bootkernel"
	"bootloader/internal/kernelelf"
	"bootloader/internal/pmm"
)

// LoaderInput bundles everything Boot Services hands the UEFI loader
// before kernel discovery, mode selection and the ACPI lookup can run.
type LoaderInput struct {
	FS          FileSystem
	PXE         PXEClient
	ConfigTable []ConfigTableEntry
	Mem         kernelelf.PhysMemory
	GOPModes    []GOPMode
	Config      bootinfo.Config

	// MemoryMap is the map returned by the final GetMemoryMap call made
	// immediately before ExitBootServices; converting it happens after
	// the exit call succeeds, since the map key it was fetched with
	// must match what is passed to ExitBootServices.
	MemoryMap []MemoryDescriptor
}

// LoaderResult is everything RunLoader discovers. The caller still has to
// load KernelImage through internal/kernelelf, build page tables through
// internal/vmm, and hand off through internal/ctxswitch — identical to
// what the BIOS path does from stage 4 onward.
type LoaderResult struct {
	KernelImage   []byte
	RSDPAddr      uint64
	Mode          GOPMode
	MemoryRegions []pmm.MemoryRegion
}

// RunLoader locates the kernel image, selects a GOP mode satisfying the
// kernel's requested minimum framebuffer size, scans the firmware
// configuration table for the ACPI RSDP, and converts the post-exit
// memory map to the bootloader's generic MemoryRegion form. It performs
// no further I/O: allocating pages, actually calling ExitBootServices,
// and loading KernelImage into those pages are all the caller's job.
func RunLoader(in LoaderInput) (*LoaderResult, *bootkernel.Error) {
	kernelImage, err := LocateKernel(in.FS, in.PXE, KernelFileName)
	if err != nil {
		return nil, err
	}

	mode, ok := SelectGOPMode(in.GOPModes, in.Config.MinFramebufferWidth, in.Config.MinFramebufferHeight)
	if !ok {
		return nil, &bootkernel.Error{Stage: "uefi", Message: "no GOP mode satisfies the kernel's minimum framebuffer size"}
	}

	rsdpAddr, ok := FindRSDP(in.ConfigTable, in.Mem)
	if !ok {
		return nil, &bootkernel.Error{Stage: "uefi", Message: "no valid ACPI RSDP found in the system configuration table"}
	}

	regions := make([]pmm.MemoryRegion, 0, len(in.MemoryMap))
	for _, d := range in.MemoryMap {
		regions = append(regions, d.ToMemoryRegion())
	}

	return &LoaderResult{
		KernelImage:   kernelImage,
		RSDPAddr:      rsdpAddr,
		Mode:          mode,
		MemoryRegions: regions,
	}, nil
}

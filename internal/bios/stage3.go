package bios

import (
	"bootloader/internal/bootkernel"
	"bootloader/internal/cpu"
	"bootloader/internal/pmm"
	"bootloader/internal/vmm"
)

// identityMapBytes is the span stage 3's fixed identity map covers: one
// PDPT entry's worth of 2 MiB pages (512 * 2 MiB = 1 GiB), enough for
// stage 3 and stage 4 to keep running identity-mapped until the kernel's
// own page table takes over.
const identityMapBytes = 512 * vmm.HugePageSize

// Stage3Result is the identity-mapped root page table stage 3 builds
// before switching the CPU into long mode.
type Stage3Result struct {
	Root pmm.Frame
}

// RunStage3 builds a three-level page table (PML4 -> one PDPT entry -> 512
// huge-page PD entries) identity-mapping the first 1 GiB of physical
// memory with 2 MiB pages, present+RW. It performs no CPU state changes
// itself; EnterLongMode does that once the caller is ready to make the
// (non-returning, from Go's perspective) jump.
func RunStage3(alloc vmm.AllocFrameFn, store vmm.FrameStore) (*Stage3Result, *bootkernel.Error) {
	root, err := alloc()
	if err != nil {
		return nil, err
	}
	store.ZeroFrame(root)

	pt := vmm.NewPageTable(root, store, alloc)
	for physAddr := uint64(0); physAddr < identityMapBytes; physAddr += vmm.HugePageSize {
		if mapErr := pt.MapHugePage(physAddr, physAddr, vmm.FlagPresent|vmm.FlagRW); mapErr != nil {
			return nil, mapErr
		}
	}

	return &Stage3Result{Root: root}, nil
}

// EnterLongMode loads root into CR3, enables PAE, sets EFER.LME, and
// enables paging — the fixed register sequence stage 3 performs
// immediately after RunStage3, after which the CPU is running in (still
// 32-bit compatibility) long mode and stage 3 can far-jump into its own
// 64-bit code to reach stage 4.
func EnterLongMode(root pmm.Frame) {
	cpu.SwitchCR3(uintptr(root.Address()))
	cpu.EnablePAE()
	cpu.EnableLongMode()
	cpu.EnablePaging()
}

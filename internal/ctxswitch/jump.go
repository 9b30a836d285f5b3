package ctxswitch

import (
	"bootloader/internal/cpu"
	"bootloader/internal/pmm"
)

// jumpFn performs the non-returning handoff; swapped out in tests so that
// JumpToKernel's argument-marshalling can be exercised without actually
// jumping into unmapped memory.
var jumpFn = cpu.JumpToKernel

// JumpToKernel transfers control to the kernel: RSP becomes stackTop-8, the
// kernel's page table is loaded through the trampoline/context-switch
// indirection Prepare built, and RDI (the kernel's first argument per the
// SysV calling convention) is set to bootInfoPtr. It never returns.
func JumpToKernel(p *Prepared, stackTop uint64, kernelPageTable pmm.Frame, bootInfoPtr uint64) {
	jumpFn(
		uintptr(stackTop),
		uintptr(p.TrampolineVirtAddr),
		uintptr(p.IntermediateRoot.Address()),
		uintptr(p.ContextSwitchAddr),
		uintptr(kernelPageTable.Address()),
		uintptr(bootInfoPtr),
	)
}

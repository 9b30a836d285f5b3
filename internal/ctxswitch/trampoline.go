// Package ctxswitch builds the three pieces the final handoff to the
// kernel needs: a trampoline page mapped in the bootloader's own address
// space, a context-switch page positioned so its single instruction ends
// exactly at the kernel's entry point, and a small intermediate page table
// that maps both (and, when they differ, the entry-point page too). The
// actual jump is one non-returning call into internal/cpu; everything up
// to that point is ordinary, testable Go.
package ctxswitch

import (
	"bootloader/internal/bootkernel"
	"bootloader/internal/kernelelf"
	"bootloader/internal/pmm"
	"bootloader/internal/vmm"
)

// Trampoline candidates, tried in order; whichever doesn't collide with
// the context-switch page or the entry-point page is used.
const (
	trampolineCandidate1 = 0xffff_ffff_ffff_f000
	trampolineCandidate2 = 0xffff_ffff_ffff_c000
)

// canonicalGapStart and canonicalGapEnd bound the narrow range of entry
// points that would place the 3-byte "mov cr3,rax" instruction across the
// non-canonical address hole between the lower and higher halves of
// amd64's 48-bit virtual address space.
const (
	canonicalGapStart = 0xffff_8000_0000_0000
	canonicalGapEnd   = 0xffff_8000_0000_0002
)

// Prepared holds everything JumpToKernel needs once the kernel's own
// address space and boot-info block are ready.
type Prepared struct {
	TrampolineVirtAddr uint64
	ContextSwitchAddr  uint64 // entry point minus 3; also the R13 value.
	IntermediateRoot   pmm.Frame
}

// Prepare allocates and wires the trampoline, the context-switch page, and
// the intermediate page table, and maps the trampoline into bootloaderPT
// so that it's reachable the instant the bootloader jumps to it. store
// backs the freshly built intermediate page table — production callers
// pass the same vmm.IdentityFrameStore bootloaderPT itself uses; tests
// pass the same in-memory fake. mem gives raw access to the trampoline and
// context-switch frames' physical contents; in production this is
// kernelelf.IdentityPhysMemory, since by this point in boot physical
// memory is still identity-mapped.
func Prepare(bootloaderPT *vmm.PageTable, alloc vmm.AllocFrameFn, store vmm.FrameStore, mem kernelelf.PhysMemory, entryPoint uint64) (*Prepared, *bootkernel.Error) {
	if entryPoint >= canonicalGapStart && entryPoint <= canonicalGapEnd {
		return nil, &bootkernel.Error{Stage: "ctxswitch", Message: "kernel entry point falls inside the non-canonical address gap"}
	}

	contextSwitchAddr := entryPoint - 3
	entrypointPage := alignDown(entryPoint, vmm.PageSize)
	contextSwitchPage := alignDown(contextSwitchAddr, vmm.PageSize)

	trampolinePage := uint64(trampolineCandidate1)
	if contextSwitchPage == trampolinePage || entrypointPage == trampolinePage {
		trampolinePage = trampolineCandidate2
	}

	trampolineFrame, err := alloc()
	if err != nil {
		return nil, err
	}
	mem.WriteAt(trampolineFrame.Address(), trampolineBytes())

	contextSwitchFrame, err := alloc()
	if err != nil {
		return nil, err
	}
	writeContextSwitchInstruction(mem, contextSwitchFrame, contextSwitchAddr)

	intermediateRoot, err := alloc()
	if err != nil {
		return nil, err
	}
	store.ZeroFrame(intermediateRoot)
	intermediatePT := vmm.NewPageTable(intermediateRoot, store, alloc)

	if mapErr := intermediatePT.Map(trampolinePage, trampolineFrame, vmm.FlagPresent); mapErr != nil {
		return nil, mapErr
	}
	if mapErr := intermediatePT.Map(contextSwitchPage, contextSwitchFrame, vmm.FlagPresent); mapErr != nil {
		return nil, mapErr
	}
	if contextSwitchPage != entrypointPage {
		if mapErr := intermediatePT.Map(entrypointPage, contextSwitchFrame, vmm.FlagPresent); mapErr != nil {
			return nil, mapErr
		}
	}

	if mapErr := bootloaderPT.Map(trampolinePage, trampolineFrame, vmm.FlagPresent); mapErr != nil {
		return nil, mapErr
	}

	return &Prepared{
		TrampolineVirtAddr: trampolinePage,
		ContextSwitchAddr:  contextSwitchAddr,
		IntermediateRoot:   intermediateRoot,
	}, nil
}

// trampolineBytes encodes "mov cr3, rdx; jmp r13": loads the intermediate
// page table, then jumps to the context-switch page (whose own address
// the caller placed in R13 before entering the trampoline).
func trampolineBytes() []byte {
	return []byte{
		0x0f, 0x22, 0xda, // mov cr3, rdx
		0x41, 0xff, 0xe5, // jmp r13
	}
}

// contextSwitchInstruction is "mov cr3, rax": loads the kernel's own page
// table. Its three bytes occupy [contextSwitchAddr, contextSwitchAddr+3),
// which by construction is [entryPoint-3, entryPoint) — so once it
// retires, the instruction pointer naturally falls into the kernel entry.
var contextSwitchInstruction = [3]byte{0x0f, 0x22, 0xd8}

// writeContextSwitchInstruction writes the three instruction bytes at
// their page-relative offset within frame, wrapping around the page if
// contextSwitchAddr sits near (or exactly on) a page boundary. When the
// instruction straddles two virtual pages, both pages are mapped to this
// same physical frame (see Prepare), so the wrapped write lands exactly
// where the second virtual page expects its first bytes.
func writeContextSwitchInstruction(mem kernelelf.PhysMemory, frame pmm.Frame, contextSwitchAddr uint64) {
	base := frame.Address()
	offset := contextSwitchAddr % vmm.PageSize
	for i, b := range contextSwitchInstruction {
		pos := (offset + uint64(i)) % vmm.PageSize
		mem.WriteAt(base+pos, []byte{b})
	}
}

func alignDown(addr, align uint64) uint64 { return addr &^ (align - 1) }

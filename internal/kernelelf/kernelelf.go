// Package kernelelf parses the kernel's ELF image and maps it into a fresh
// page table: load segments, BSS zero-extension, R_X86_64_RELATIVE
// relocations for position-independent kernels, and GNU_RELRO
// read-only-after-relocation enforcement.
package kernelelf

import (
	"bytes"
	"debug/elf"

	"bootloader/internal/bootkernel"
	"bootloader/internal/pmm"
	"bootloader/internal/vmm"
)

// TLSTemplate describes a kernel's PT_TLS segment, if it has one: the
// kernel is responsible for setting up its own TLS block from this at
// runtime, the bootloader only locates and reports it.
type TLSTemplate struct {
	StartAddr uint64
	MemSize   uint64
	FileSize  uint64
}

// Kernel wraps the raw bytes of a kernel image together with its parsed
// ELF structure.
type Kernel struct {
	Data []byte
	File *elf.File
}

// Parse validates data as an ELF file and returns the parsed Kernel. It
// does not load anything into memory yet.
func Parse(data []byte) (*Kernel, *bootkernel.Error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &bootkernel.Error{Stage: "kernelelf", Message: "not a valid ELF file: " + err.Error()}
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, &bootkernel.Error{Stage: "kernelelf", Message: "kernel is not a 64-bit x86_64 ELF image"}
	}
	return &Kernel{Data: data, File: f}, nil
}

// LoadResult is what the caller needs after a kernel has been loaded: the
// offset applied to every virtual address in the image (0 for a
// non-repositionable executable), the entry point to jump to, and an
// optional thread-local-storage template.
type LoadResult struct {
	VirtualAddressOffset uint64
	EntryPoint           uint64
	TLS                  *TLSTemplate
}

// Loader drives the multi-pass load of one kernel image: segments first,
// then relocations, then RELRO enforcement.
type Loader struct {
	kernel         *Kernel
	kernelPhysAddr uint64
	virtOffset     uint64
	pt             *vmm.PageTable
	alloc          vmm.AllocFrameFn
	mem            PhysMemory
}

// NewLoader validates kernel's program headers, decides the virtual
// address offset (0 for ET_EXEC, a freshly chosen address from
// usedEntries for ET_DYN/PIE kernels), marks the level-4 entries the
// kernel's segments will occupy, and returns a Loader ready for
// LoadSegments.
//
// kernelPhysAddr is the physical address at which kernel.Data's first byte
// currently resides — already loaded off disk and, like every other
// physical page at this point in boot, identity-mapped. It must be
// page-aligned.
func NewLoader(kernel *Kernel, kernelPhysAddr uint64, pt *vmm.PageTable, alloc vmm.AllocFrameFn, mem PhysMemory, usedEntries *vmm.UsedLevel4Entries) (*Loader, *bootkernel.Error) {
	if kernelPhysAddr%pmm.PageSize != 0 {
		return nil, &bootkernel.Error{Stage: "kernelelf", Message: "kernel image is not page-aligned in memory"}
	}

	for _, prog := range kernel.File.Progs {
		if prog.Align > 1 && prog.Vaddr%prog.Align != prog.Off%prog.Align {
			return nil, &bootkernel.Error{Stage: "kernelelf", Message: "segment virtual address and file offset disagree modulo alignment"}
		}
	}

	var virtOffset uint64
	switch kernel.File.Type {
	case elf.ET_EXEC:
		virtOffset = 0
	case elf.ET_DYN:
		minAddr, maxAddr, align := loadSegmentExtent(kernel.File)
		size := maxAddr - minAddr
		free := usedEntries.GetFreeAddress(size, align)
		virtOffset = free - minAddr
	default:
		return nil, &bootkernel.Error{Stage: "kernelelf", Message: "unsupported ELF type: only ET_EXEC and ET_DYN kernels are supported"}
	}

	for _, prog := range kernel.File.Progs {
		if prog.Type == elf.PT_LOAD {
			usedEntries.MarkSegmentUsed(virtOffset+prog.Vaddr, prog.Memsz)
		}
	}

	return &Loader{
		kernel:         kernel,
		kernelPhysAddr: kernelPhysAddr,
		virtOffset:     virtOffset,
		pt:             pt,
		alloc:          alloc,
		mem:            mem,
	}, nil
}

// loadSegmentExtent returns the lowest virtual address, the address
// immediately past the highest, and the largest alignment among every
// PT_LOAD segment — used to size the free virtual-address-space run a
// position-independent kernel needs.
func loadSegmentExtent(f *elf.File) (minAddr, maxAddr, align uint64) {
	align = 1
	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		end := prog.Vaddr + prog.Memsz
		if first || prog.Vaddr < minAddr {
			minAddr = prog.Vaddr
		}
		if end > maxAddr {
			maxAddr = end
		}
		if prog.Align > align {
			align = prog.Align
		}
		first = false
	}
	return minAddr, maxAddr, align
}

// LoadSegments maps every PT_LOAD segment, zero-extends BSS, applies
// PT_DYNAMIC relocations, enforces PT_GNU_RELRO, and returns the kernel's
// TLS template if it declares one.
func (l *Loader) LoadSegments() (*TLSTemplate, *bootkernel.Error) {
	var tls *TLSTemplate

	for _, prog := range l.kernel.File.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if err := l.handleLoadSegment(prog); err != nil {
				return nil, err
			}
		case elf.PT_TLS:
			if tls != nil {
				return nil, &bootkernel.Error{Stage: "kernelelf", Message: "multiple TLS segments are not supported"}
			}
			tls = l.handleTLSSegment(prog)
		}
	}

	for _, prog := range l.kernel.File.Progs {
		if prog.Type == elf.PT_DYNAMIC {
			if err := l.handleDynamicSegment(prog); err != nil {
				return nil, err
			}
		}
	}

	for _, prog := range l.kernel.File.Progs {
		if prog.Type == elf.PT_GNU_RELRO {
			l.handleRelroSegment(prog)
		}
	}

	l.removeCopiedFlags()

	return tls, nil
}

// EntryPoint returns the kernel's entry point, offset into the final
// address space.
func (l *Loader) EntryPoint() uint64 {
	return l.virtOffset + l.kernel.File.Entry
}

// VirtualAddressOffset returns the offset LoadSegments applied to every
// virtual address in the image.
func (l *Loader) VirtualAddressOffset() uint64 {
	return l.virtOffset
}

func (l *Loader) handleTLSSegment(prog *elf.Prog) *TLSTemplate {
	return &TLSTemplate{
		StartAddr: l.virtOffset + prog.Vaddr,
		MemSize:   prog.Memsz,
		FileSize:  prog.Filesz,
	}
}

func segmentFlags(prog *elf.Prog) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent
	if prog.Flags&elf.PF_X == 0 {
		flags |= vmm.FlagNoExecute
	}
	if prog.Flags&elf.PF_W != 0 {
		flags |= vmm.FlagRW
	}
	return flags
}

package kernelelf

import (
	"debug/elf"
	"encoding/binary"

	"bootloader/internal/bootkernel"
)

const (
	dynEntrySize  = 16 // sizeof(Elf64_Dyn): two little-endian uint64s (tag, val)
	relaEntrySize = 24 // sizeof(Elf64_Rela): r_offset, r_info, r_addend
)

// handleDynamicSegment finds the DT_RELA/DT_RELASZ/DT_RELAENT triple in a
// PT_DYNAMIC segment and applies every relocation it describes. A kernel
// with no relocations at all (DT_RELA absent) is valid; one with a
// partial triple is not.
func (l *Loader) handleDynamicSegment(segment *elf.Prog) *bootkernel.Error {
	raw := make([]byte, segment.Filesz)
	if _, err := segment.ReadAt(raw, 0); err != nil {
		return &bootkernel.Error{Stage: "kernelelf", Message: "failed to read PT_DYNAMIC segment: " + err.Error()}
	}

	var rela, relaSize, relaEnt *uint64
	for off := uint64(0); off+dynEntrySize <= uint64(len(raw)); off += dynEntrySize {
		tag := elf.DynTag(binary.LittleEndian.Uint64(raw[off:]))
		val := binary.LittleEndian.Uint64(raw[off+8:])

		switch tag {
		case elf.DT_NULL:
			// End of the table.
		case elf.DT_RELA:
			if rela != nil {
				return &bootkernel.Error{Stage: "kernelelf", Message: "dynamic section contains more than one DT_RELA entry"}
			}
			v := val
			rela = &v
		case elf.DT_RELASZ:
			if relaSize != nil {
				return &bootkernel.Error{Stage: "kernelelf", Message: "dynamic section contains more than one DT_RELASZ entry"}
			}
			v := val
			relaSize = &v
		case elf.DT_RELAENT:
			if relaEnt != nil {
				return &bootkernel.Error{Stage: "kernelelf", Message: "dynamic section contains more than one DT_RELAENT entry"}
			}
			v := val
			relaEnt = &v
		}
	}

	if rela == nil {
		if relaSize != nil || relaEnt != nil {
			return &bootkernel.Error{Stage: "kernelelf", Message: "DT_RELASZ or DT_RELAENT present without DT_RELA"}
		}
		return nil
	}
	if relaSize == nil {
		return &bootkernel.Error{Stage: "kernelelf", Message: "DT_RELASZ entry is missing"}
	}
	if relaEnt == nil {
		return &bootkernel.Error{Stage: "kernelelf", Message: "DT_RELAENT entry is missing"}
	}
	if *relaEnt != relaEntrySize {
		return &bootkernel.Error{Stage: "kernelelf", Message: "unsupported DT_RELAENT size"}
	}

	numEntries := *relaSize / *relaEnt
	for idx := uint64(0); idx < numEntries; idx++ {
		offset, addend, symIdx, relType, err := l.readRelocation(*rela, idx)
		if err != nil {
			return err
		}
		if err := l.applyRelocation(offset, addend, symIdx, relType); err != nil {
			return err
		}
	}

	return nil
}

// readRelocation reads the idx'th Elf64_Rela entry out of the (already
// mapped, virtual-address-offset-relative) relocation table at
// relocationTableOff.
func (l *Loader) readRelocation(relocationTableOff, idx uint64) (offset, addend uint64, symIdx uint32, relType uint32, rerr *bootkernel.Error) {
	addr := l.virtOffset + relocationTableOff + idx*relaEntrySize

	var buf [relaEntrySize]byte
	if err := l.copyFrom(addr, buf[:]); err != nil {
		return 0, 0, 0, 0, err
	}

	offset = binary.LittleEndian.Uint64(buf[0:8])
	info := binary.LittleEndian.Uint64(buf[8:16])
	addend = binary.LittleEndian.Uint64(buf[16:24])
	symIdx = uint32(info >> 32)
	relType = uint32(info)
	return offset, addend, symIdx, relType, nil
}

// applyRelocation implements the single relocation type this loader
// supports: R_X86_64_RELATIVE, which simply adds the load offset to the
// addend and stores it at the relocation's offset. Every other type, and
// any relocation that resolves through the symbol table, is rejected —
// the kernel image is expected to have been linked with -z text and no
// external symbols.
func (l *Loader) applyRelocation(offset, addend uint64, symIdx uint32, relType uint32) *bootkernel.Error {
	if symIdx != 0 {
		return &bootkernel.Error{Stage: "kernelelf", Message: "relocations using the symbol table are not supported"}
	}

	switch elf.R_X86_64(relType) {
	case elf.R_X86_64_RELATIVE:
		prog, err := l.findLoadSegment(offset)
		if err != nil {
			return err
		}

		addr := l.virtOffset + offset
		value := l.virtOffset + addend

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)
		// Write with the owning segment's own flags rather than an assumed
		// RW|NX, so a relocation inside a read-only or executable segment
		// doesn't end up more permissive than the segment it belongs to.
		return l.copyTo(addr, buf[:], segmentFlags(prog))
	default:
		return &bootkernel.Error{Stage: "kernelelf", Message: "unsupported relocation type"}
	}
}

// findLoadSegment returns the PT_LOAD segment containing
// virtOffsetInImage, or an error if none does — the same guard the
// reference loader applies before writing through a raw pointer derived
// from the offset.
func (l *Loader) findLoadSegment(virtOffsetInImage uint64) (*elf.Prog, *bootkernel.Error) {
	for _, prog := range l.kernel.File.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr <= virtOffsetInImage && virtOffsetInImage-prog.Vaddr < prog.Memsz {
			return prog, nil
		}
	}
	return nil, &bootkernel.Error{Stage: "kernelelf", Message: "relocation offset is not within any PT_LOAD segment"}
}

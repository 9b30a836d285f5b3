package vmm

import (
	"encoding/binary"
	"unsafe"

	"bootloader/internal/bootkernel"
	"bootloader/internal/cpu"
	"bootloader/internal/pmm"
)

// Long-mode GDT descriptor flags, common to every entry: user segment,
// present, writable, and pre-accessed (the CPU never needs to set the
// accessed bit itself, avoiding a write-back through a mapping that may be
// read-only by the time it runs).
const gdtCommonFlags = (1 << 44) | (1 << 47) | (1 << 41) | (1 << 40)

// gdtCodeFlags additionally marks a descriptor executable and 64-bit
// ("long mode"); a data descriptor carries only gdtCommonFlags.
const gdtCodeFlags = gdtCommonFlags | (1 << 43) | (1 << 53)

// GDT is the three-entry long-mode global descriptor table every stage
// installs before jumping to 64-bit code: a null descriptor followed by one
// code and one data segment, both spanning the full address space.
type GDT struct {
	Null uint64
	Code uint64
	Data uint64
}

// NewGDT builds the fixed null/code/data triple long mode requires. Segment
// limits and bases are ignored by the CPU in 64-bit mode, so every
// non-null entry only needs the flag bits set.
func NewGDT() GDT {
	return GDT{
		Null: 0,
		Code: gdtCodeFlags,
		Data: gdtCommonFlags,
	}
}

// descriptorPointerBytes is the LGDT operand layout: a 2-byte limit (size
// of the table in bytes, minus one) immediately followed by an 8-byte
// linear base address, with no gap between them. A Go struct can't express
// this directly — a uint64 field always sits at its natural 8-byte-aligned
// offset, so a {uint16; uint64} struct pads base out to offset 8, not 2 —
// so the 10 bytes are hand-encoded by encodeDescriptorPointer instead.
const descriptorPointerBytes = 10

// encodeDescriptorPointer packs limit and base into the 10-byte layout
// LGDT expects, with no padding between the two fields.
func encodeDescriptorPointer(limit uint16, base uint64) [descriptorPointerBytes]byte {
	var raw [descriptorPointerBytes]byte
	binary.LittleEndian.PutUint16(raw[0:2], limit)
	binary.LittleEndian.PutUint64(raw[2:10], base)
	return raw
}

// writeGDTFn performs the actual unsafe write of gdt and its pseudo-
// descriptor at virtAddr, and loads it. Swapped out in tests, the same way
// the teacher substitutes ptePtrFn/activePDTFn: BuildGDT's addressing and
// allocation logic is worth testing, but poking raw memory at a fake
// frame's "address" is not something a hosted test can safely do.
var writeGDTFn = writeAndLoadGDT

func writeAndLoadGDT(virtAddr uint64, gdt GDT) (pointerAddr uint64) {
	table := (*GDT)(unsafe.Pointer(uintptr(virtAddr)))
	*table = gdt

	const tableBytes = 3 * 8
	pointerAddr = virtAddr + tableBytes

	raw := encodeDescriptorPointer(tableBytes-1, virtAddr)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(pointerAddr))), len(raw))
	copy(dst, raw[:])

	cpu.LoadGDT(uintptr(pointerAddr))
	return pointerAddr
}

// BuildGDT allocates a frame to hold gdt, identity-maps it read-write into
// pt so the CPU can fetch descriptors through it once active, writes gdt's
// three entries plus a pseudo-descriptor into that frame, and loads it via
// LGDT. It returns the frame so the caller can include it in whatever
// memory-map accounting treats bootloader-owned pages as reserved.
func BuildGDT(pt *PageTable, alloc AllocFrameFn, gdt GDT) (pmm.Frame, *bootkernel.Error) {
	frame, err := alloc()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	virtAddr := frame.Address()
	if mapErr := pt.Map(virtAddr, frame, FlagPresent|FlagRW); mapErr != nil {
		return pmm.InvalidFrame, mapErr
	}

	writeGDTFn(virtAddr, gdt)

	return frame, nil
}

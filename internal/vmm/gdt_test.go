package vmm

import (
	"encoding/binary"
	"testing"

	"bootloader/internal/pmm"
)

func TestEncodeDescriptorPointerPacksWithNoGap(t *testing.T) {
	const limit = uint16(23)
	const base = uint64(0x0000_7fff_1234_5000)

	raw := encodeDescriptorPointer(limit, base)

	if len(raw) != 10 {
		t.Fatalf("expected a 10-byte descriptor pointer, got %d", len(raw))
	}
	if got := binary.LittleEndian.Uint16(raw[0:2]); got != limit {
		t.Fatalf("limit = %#x, want %#x", got, limit)
	}
	// base must start immediately at byte 2 — not byte 8, which is where a
	// naive {uint16; uint64} Go struct would place it.
	if got := binary.LittleEndian.Uint64(raw[2:10]); got != base {
		t.Fatalf("base = %#x, want %#x", got, base)
	}
}

func TestNewGDTEntryFlags(t *testing.T) {
	gdt := NewGDT()

	if gdt.Null != 0 {
		t.Fatalf("expected null descriptor to be zero, got %#x", gdt.Null)
	}
	if gdt.Code&gdtCommonFlags != gdtCommonFlags {
		t.Fatal("expected code descriptor to carry the common flags")
	}
	if gdt.Code&(1<<43) == 0 || gdt.Code&(1<<53) == 0 {
		t.Fatal("expected code descriptor to be marked executable and long mode")
	}
	if gdt.Data != gdtCommonFlags {
		t.Fatalf("expected data descriptor to carry only the common flags, got %#x", gdt.Data)
	}
}

func TestBuildGDTAllocatesAndMapsAFrame(t *testing.T) {
	store := newFakeFrameStore()
	alloc, _ := fakeAllocator()
	pt := NewPageTable(pmm.Frame(0), store, alloc)

	var sawVirtAddr uint64
	var sawGDT GDT
	origWriteGDTFn := writeGDTFn
	writeGDTFn = func(virtAddr uint64, gdt GDT) uint64 {
		sawVirtAddr = virtAddr
		sawGDT = gdt
		return virtAddr + 24
	}
	defer func() { writeGDTFn = origWriteGDTFn }()

	gdt := NewGDT()
	frame, err := BuildGDT(pt, alloc, gdt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !frame.Valid() {
		t.Fatal("expected a valid frame")
	}

	if sawVirtAddr != frame.Address() {
		t.Fatalf("expected write to target frame's own address %#x, got %#x", frame.Address(), sawVirtAddr)
	}
	if sawGDT != gdt {
		t.Fatalf("expected the GDT passed in to reach the write step unchanged")
	}

	got, translateErr := pt.Translate(frame.Address())
	if translateErr != nil {
		t.Fatalf("expected the GDT frame to be mapped: %v", translateErr)
	}
	if got != frame.Address() {
		t.Fatalf("expected identity mapping, got %#x", got)
	}

	pte, _ := pt.EntryAt(frame.Address())
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatalf("expected Present|RW, got %#x", pte)
	}
}

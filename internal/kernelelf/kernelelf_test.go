package kernelelf

import (
	"debug/elf"
	"testing"

	"bootloader/internal/bootkernel"
	"bootloader/internal/pmm"
	"bootloader/internal/vmm"
)

// fakeFrameStore backs a vmm.PageTable with plain Go maps, the same
// substitution internal/vmm's own tests use.
type fakeFrameStore struct {
	tables map[pmm.Frame]*[512]vmm.PageTableEntry
}

func newFakeFrameStore() *fakeFrameStore {
	return &fakeFrameStore{tables: map[pmm.Frame]*[512]vmm.PageTableEntry{}}
}

func (s *fakeFrameStore) table(f pmm.Frame) *[512]vmm.PageTableEntry {
	t, ok := s.tables[f]
	if !ok {
		t = &[512]vmm.PageTableEntry{}
		s.tables[f] = t
	}
	return t
}

func (s *fakeFrameStore) ReadEntry(f pmm.Frame, index uint16) vmm.PageTableEntry {
	return s.table(f)[index]
}

func (s *fakeFrameStore) WriteEntry(f pmm.Frame, index uint16, pte vmm.PageTableEntry) {
	s.table(f)[index] = pte
}

func (s *fakeFrameStore) ZeroFrame(f pmm.Frame) {
	s.tables[f] = &[512]vmm.PageTableEntry{}
}

// fakePhysMemory backs PhysMemory with per-page byte slices, indexed by
// page-aligned physical address.
type fakePhysMemory struct {
	pages map[uint64]*[pmm.PageSize]byte
}

func newFakePhysMemory() *fakePhysMemory {
	return &fakePhysMemory{pages: map[uint64]*[pmm.PageSize]byte{}}
}

func (m *fakePhysMemory) page(physAddr uint64) (*[pmm.PageSize]byte, uint64) {
	base := physAddr &^ uint64(pmm.PageSize-1)
	p, ok := m.pages[base]
	if !ok {
		p = &[pmm.PageSize]byte{}
		m.pages[base] = p
	}
	return p, physAddr - base
}

func (m *fakePhysMemory) ReadAt(physAddr uint64, buf []byte) {
	for i := range buf {
		p, off := m.page(physAddr + uint64(i))
		buf[i] = p[off]
	}
}

func (m *fakePhysMemory) WriteAt(physAddr uint64, buf []byte) {
	for i, b := range buf {
		p, off := m.page(physAddr + uint64(i))
		p[off] = b
	}
}

func (m *fakePhysMemory) Zero(physAddr uint64, size uint64) {
	for i := uint64(0); i < size; i++ {
		p, off := m.page(physAddr + i)
		p[off] = 0
	}
}

func fakeAllocator() vmm.AllocFrameFn {
	next := pmm.Frame(1)
	return func() (pmm.Frame, *bootkernel.Error) {
		f := next
		next++
		return f, nil
	}
}

func prog(typ elf.ProgType, flags elf.ProgFlag, vaddr, off, filesz, memsz, align uint64) *elf.Prog {
	return &elf.Prog{ProgHeader: elf.ProgHeader{
		Type: typ, Flags: flags, Vaddr: vaddr, Off: off, Filesz: filesz, Memsz: memsz, Align: align,
	}}
}

func TestLoadSegmentExtentSpansAllLoadSegments(t *testing.T) {
	f := &elf.File{Progs: []*elf.Prog{
		prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0x1000, 0, 0x100, 0x100, 0x1000),
		prog(elf.PT_LOAD, elf.PF_R|elf.PF_W, 0x3000, 0x100, 0x200, 0x400, 0x2000),
		prog(elf.PT_TLS, elf.PF_R, 0x5000, 0x300, 0x10, 0x10, 8),
	}}

	minAddr, maxAddr, align := loadSegmentExtent(f)
	if minAddr != 0x1000 {
		t.Fatalf("expected minAddr 0x1000, got %#x", minAddr)
	}
	if maxAddr != 0x3400 {
		t.Fatalf("expected maxAddr 0x3400, got %#x", maxAddr)
	}
	if align != 0x2000 {
		t.Fatalf("expected align 0x2000, got %#x", align)
	}
}

func TestNewLoaderExecutableHasZeroOffset(t *testing.T) {
	store := newFakeFrameStore()
	alloc := fakeAllocator()
	pt := vmm.NewPageTable(pmm.Frame(0), store, alloc)
	used := vmm.NewUsedLevel4Entries(0, 0, 0, 0, 0, vmm.MappingConfig{})

	kernel := &Kernel{Data: make([]byte, 0x1000), File: &elf.File{
		Type: elf.ET_EXEC,
		Progs: []*elf.Prog{
			prog(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0x1000, 0, 0x100, 0x100, 0x1000),
		},
	}}

	loader, err := NewLoader(kernel, 0x1000, pt, alloc, newFakePhysMemory(), used)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loader.VirtualAddressOffset() != 0 {
		t.Fatalf("expected zero offset for ET_EXEC, got %#x", loader.VirtualAddressOffset())
	}
}

func TestNewLoaderRejectsMisalignedKernelPhysAddr(t *testing.T) {
	store := newFakeFrameStore()
	alloc := fakeAllocator()
	pt := vmm.NewPageTable(pmm.Frame(0), store, alloc)
	used := vmm.NewUsedLevel4Entries(0, 0, 0, 0, 0, vmm.MappingConfig{})

	kernel := &Kernel{Data: make([]byte, 0x1000), File: &elf.File{Type: elf.ET_EXEC}}

	if _, err := NewLoader(kernel, 0x1001, pt, alloc, newFakePhysMemory(), used); err == nil {
		t.Fatal("expected an error for a non-page-aligned kernel physical address")
	}
}

func TestHandleLoadSegmentMapsPresentFlagsFromProgramHeader(t *testing.T) {
	store := newFakeFrameStore()
	alloc := fakeAllocator()
	pt := vmm.NewPageTable(pmm.Frame(0), store, alloc)
	physMem := newFakePhysMemory()

	const kernelPhysAddr = uint64(0x10000)
	kernel := &Kernel{
		File: &elf.File{Type: elf.ET_EXEC, Progs: []*elf.Prog{
			prog(elf.PT_LOAD, elf.PF_R|elf.PF_W, 0x20000, 0, pmm.PageSize, pmm.PageSize, pmm.PageSize),
		}},
	}

	loader := &Loader{kernel: kernel, kernelPhysAddr: kernelPhysAddr, pt: pt, alloc: alloc, mem: physMem}

	if err := loader.handleLoadSegment(kernel.File.Progs[0]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pte, terr := pt.EntryAt(0x20000)
	if terr != nil {
		t.Fatalf("expected segment to be mapped: %v", terr)
	}
	if !pte.HasFlags(vmm.FlagPresent | vmm.FlagRW) {
		t.Fatalf("expected Present|RW, got %#x", pte)
	}
}

func TestHandleLoadSegmentSetsNoExecuteWhenNotExecutable(t *testing.T) {
	store := newFakeFrameStore()
	alloc := fakeAllocator()
	pt := vmm.NewPageTable(pmm.Frame(0), store, alloc)
	physMem := newFakePhysMemory()

	segment := prog(elf.PT_LOAD, elf.PF_R, 0x20000, 0, pmm.PageSize, pmm.PageSize, pmm.PageSize)
	loader := &Loader{
		kernel: &Kernel{File: &elf.File{Progs: []*elf.Prog{segment}}},
		kernelPhysAddr: 0x10000, pt: pt, alloc: alloc, mem: physMem,
	}

	if err := loader.handleLoadSegment(segment); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pte, _ := pt.EntryAt(0x20000)
	if !pte.HasFlags(vmm.FlagNoExecute) {
		t.Fatal("expected a non-executable PT_LOAD segment to be mapped NX")
	}
	if pte.HasAnyFlag(vmm.FlagRW) {
		t.Fatal("expected a read-only PT_LOAD segment to not be mapped RW")
	}
}

func TestHandleLoadSegmentZeroExtendsBSS(t *testing.T) {
	store := newFakeFrameStore()
	alloc := fakeAllocator()
	pt := vmm.NewPageTable(pmm.Frame(0), store, alloc)
	physMem := newFakePhysMemory()

	const kernelPhysAddr = uint64(0x10000)
	physMem.WriteAt(kernelPhysAddr, []byte{0xAA, 0xBB, 0xCC, 0xDD})

	segment := prog(elf.PT_LOAD, elf.PF_R|elf.PF_W, 0x20000, 0, 4, 4096+16, pmm.PageSize)
	loader := &Loader{
		kernel: &Kernel{File: &elf.File{Progs: []*elf.Prog{segment}}},
		kernelPhysAddr: kernelPhysAddr, pt: pt, alloc: alloc, mem: physMem,
	}

	if err := loader.handleLoadSegment(segment); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf [8]byte
	if err := loader.copyFrom(0x20000, buf[:4]); err != nil {
		t.Fatalf("unexpected error reading back file data: %v", err)
	}
	if buf[0] != 0xAA || buf[1] != 0xBB || buf[2] != 0xCC || buf[3] != 0xDD {
		t.Fatalf("expected file-backed bytes to survive, got %v", buf[:4])
	}

	if err := loader.copyFrom(0x20000+4, buf[:4]); err != nil {
		t.Fatalf("unexpected error reading bss tail: %v", err)
	}
	for _, b := range buf[:4] {
		if b != 0 {
			t.Fatalf("expected zeroed BSS tail in the same page as file data, got %v", buf[:4])
		}
	}

	if err := loader.copyFrom(0x20000+pmm.PageSize, buf[:8]); err != nil {
		t.Fatalf("unexpected error reading second bss page: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("expected second bss page to be zeroed, got %v", buf)
		}
	}
}

func TestFindLoadSegment(t *testing.T) {
	writable := prog(elf.PT_LOAD, elf.PF_R|elf.PF_W, 0x1000, 0, 0x100, 0x200, 0x1000)
	loader := &Loader{kernel: &Kernel{File: &elf.File{Progs: []*elf.Prog{writable}}}}

	got, err := loader.findLoadSegment(0x1050)
	if err != nil {
		t.Fatalf("expected offset inside the segment to be accepted: %v", err)
	}
	if got != writable {
		t.Fatalf("expected the matching segment to be returned")
	}
	if _, err := loader.findLoadSegment(0x5000); err == nil {
		t.Fatal("expected an offset outside every PT_LOAD segment to be rejected")
	}
}

func TestApplyRelocationUsesTheOwningSegmentsFlags(t *testing.T) {
	readOnly := prog(elf.PT_LOAD, elf.PF_R, 0x1000, 0, 0x100, 0x200, 0x1000)
	if got := segmentFlags(readOnly); got.HasAnyFlag(vmm.FlagRW) {
		t.Fatalf("sanity check: expected a read-only segment's flags to exclude RW, got %#x", got)
	}

	store := newFakeFrameStore()
	alloc := fakeAllocator()
	pt := vmm.NewPageTable(pmm.Frame(0), store, alloc)
	loader := &Loader{
		kernel:         &Kernel{File: &elf.File{Progs: []*elf.Prog{readOnly}}},
		kernelPhysAddr: 0x10000,
		pt:             pt,
		alloc:          alloc,
		mem:            newFakePhysMemory(),
	}
	if err := loader.handleLoadSegment(readOnly); err != nil {
		t.Fatalf("unexpected error mapping load segment: %v", err)
	}
	if err := loader.applyRelocation(0x1008, 0x40, 0, uint32(elf.R_X86_64_RELATIVE)); err != nil {
		t.Fatalf("unexpected error applying relocation: %v", err)
	}

	pte, err := pt.EntryAt(0x1008)
	if err != nil {
		t.Fatalf("expected the relocated page to stay mapped: %v", err)
	}
	if pte.HasAnyFlag(vmm.FlagRW) {
		t.Fatalf("expected the relocated page to keep the read-only segment's flags, got %#x", pte)
	}
}

func TestHandleDynamicSegmentAppliesRelativeRelocation(t *testing.T) {
	store := newFakeFrameStore()
	alloc := fakeAllocator()
	pt := vmm.NewPageTable(pmm.Frame(0), store, alloc)
	physMem := newFakePhysMemory()

	loadSeg := prog(elf.PT_LOAD, elf.PF_R|elf.PF_W, 0x20000, 0, pmm.PageSize, pmm.PageSize, pmm.PageSize)
	loader := &Loader{
		kernel:         &Kernel{File: &elf.File{Progs: []*elf.Prog{loadSeg}}},
		kernelPhysAddr: 0x10000,
		virtOffset:     0x100000000,
		pt:             pt,
		alloc:          alloc,
		mem:            physMem,
	}

	if err := loader.handleLoadSegment(loadSeg); err != nil {
		t.Fatalf("unexpected error mapping load segment: %v", err)
	}

	// One DT_RELA + DT_RELASZ + DT_RELAENT triple, followed by one
	// R_X86_64_RELATIVE Elf64_Rela entry targeting offset 0x20008 with
	// addend 0x40.
	rela := make([]byte, relaEntrySize)
	putU64(rela[0:8], 0x20008)               // r_offset
	putU64(rela[8:16], uint64(elf.R_X86_64_RELATIVE)) // r_info: sym 0, type RELATIVE
	putU64(rela[16:24], 0x40)                // r_addend

	// DT_RELA's value is itself a pre-relocation virtual address (as
	// linked), so it must fall inside the segment's own vaddr range.
	const relaTableVaddr = 0x20100
	dyn := make([]byte, 0)
	dyn = appendDyn(dyn, elf.DT_RELA, relaTableVaddr)
	dyn = appendDyn(dyn, elf.DT_RELASZ, relaEntrySize)
	dyn = appendDyn(dyn, elf.DT_RELAENT, relaEntrySize)
	dyn = appendDyn(dyn, elf.DT_NULL, 0)

	// The relocation table itself lives inside the mapped LOAD segment, at
	// the physical offset corresponding to relaTableVaddr, since
	// readRelocation reads it through copyFrom (a mapped virtual address)
	// rather than straight from the ELF file.
	physMem.WriteAt(loader.kernelPhysAddr+(relaTableVaddr-loadSeg.Vaddr), rela)

	dynSeg := &elf.Prog{
		ProgHeader: elf.ProgHeader{Type: elf.PT_DYNAMIC, Filesz: uint64(len(dyn))},
		ReaderAt:   byteReaderAt(dyn),
	}

	if err := loader.handleDynamicSegment(dynSeg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got [8]byte
	if err := loader.copyFrom(loader.virtOffset+0x20008, got[:]); err != nil {
		t.Fatalf("unexpected error reading back relocated value: %v", err)
	}
	want := loader.virtOffset + 0x40
	if gotVal := leU64(got[:]); gotVal != want {
		t.Fatalf("expected relocated value %#x, got %#x", want, gotVal)
	}
}

func putU64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func leU64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

func appendDyn(buf []byte, tag elf.DynTag, val uint64) []byte {
	entry := make([]byte, dynEntrySize)
	putU64(entry[0:8], uint64(tag))
	putU64(entry[8:16], val)
	return append(buf, entry...)
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, b[off:])
	return n, nil
}

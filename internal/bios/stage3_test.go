package bios

import (
	"testing"

	"bootloader/internal/bootkernel"
	"bootloader/internal/pmm"
	"bootloader/internal/vmm"
)

// fakeFrameStore backs a vmm.PageTable with plain Go maps instead of real
// physical memory, the same substitution internal/vmm's own tests use.
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

func fakeAllocator() vmm.AllocFrameFn {
	next := pmm.Frame(1)
	return func() (pmm.Frame, *bootkernel.Error) {
		f := next
		next++
		return f, nil
	}
}

func TestRunStage3IdentityMapsTheFirstGiB(t *testing.T) {
	store := newFakeFrameStore()
	alloc := fakeAllocator()

	result, err := RunStage3(alloc, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pt := vmm.NewPageTable(result.Root, store, alloc)
	for _, physAddr := range []uint64{0, vmm.HugePageSize, identityMapBytes - vmm.HugePageSize} {
		got, err := pt.Translate(physAddr + 0x10)
		if err != nil {
			t.Fatalf("unexpected error translating %#x: %v", physAddr, err)
		}
		if want := physAddr + 0x10; got != want {
			t.Fatalf("expected identity mapping %#x, got %#x", want, got)
		}
	}

	if _, err := pt.Translate(identityMapBytes); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected the map to stop at %#x, got err=%v", identityMapBytes, err)
	}
}

func TestRunStage3AllocationFailurePropagates(t *testing.T) {
	store := newFakeFrameStore()
	failingAlloc := func() (pmm.Frame, *bootkernel.Error) {
		return pmm.InvalidFrame, &bootkernel.Error{Stage: "test", Message: "out of frames"}
	}

	if _, err := RunStage3(failingAlloc, store); err == nil {
		t.Fatal("expected the allocator's error to propagate")
	}
}

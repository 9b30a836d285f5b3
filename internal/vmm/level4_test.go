package vmm

import "testing"

func TestNewUsedLevel4EntriesMarksEntryZero(t *testing.T) {
	u := NewUsedLevel4Entries(0x1_0000_0000, 4, 0, 0, 0, MappingConfig{})
	if !u.entryUsed[0] {
		t.Fatal("expected entry 0 to always be marked used")
	}
}

func TestNewUsedLevel4EntriesMarksFixedMappings(t *testing.T) {
	physMem := uint64(1) << 45 // entry 64
	recursive := uint64(510) << 39
	stack := uint64(100) << 39

	u := NewUsedLevel4Entries(0x1000_0000, 4, 0x5000, 0, 0, MappingConfig{
		PhysicalMemory:     &physMem,
		PageTableRecursive: &recursive,
		KernelStack:        &stack,
	})

	for _, idx := range []uint16{p4Index(physMem), 510, 100} {
		if !u.entryUsed[idx] {
			t.Errorf("expected entry %d to be marked used", idx)
		}
	}
}

func TestGetFreeEntriesReturnsFirstRunWithoutASLR(t *testing.T) {
	u := &UsedLevel4Entries{}
	u.entryUsed[0] = true
	u.entryUsed[1] = true

	idx := u.GetFreeEntries(1)
	if idx != 2 {
		t.Fatalf("expected first free entry at index 2, got %d", idx)
	}
	if !u.entryUsed[2] {
		t.Fatal("expected GetFreeEntries to mark the chosen entry used")
	}
}

func TestGetFreeEntriesContiguousRun(t *testing.T) {
	u := &UsedLevel4Entries{}
	for i := 0; i < 510; i++ {
		u.entryUsed[i] = true
	}

	idx := u.GetFreeEntries(2)
	if idx != 510 {
		t.Fatalf("expected the only free run at index 510, got %d", idx)
	}
}

func TestGetFreeEntriesPanicsWhenExhausted(t *testing.T) {
	u := &UsedLevel4Entries{}
	for i := range u.entryUsed {
		u.entryUsed[i] = true
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected GetFreeEntries to panic when no entries are free")
		}
	}()
	u.GetFreeEntries(1)
}

func TestGetFreeAddressSpansMultipleEntriesForLargeSize(t *testing.T) {
	u := &UsedLevel4Entries{}

	addr := u.GetFreeAddress(level4EntrySize+1, 4096)
	if addr != 0 {
		t.Fatalf("expected the first free address to start at 0, got %#x", addr)
	}
	// A size spanning just past one entry needs two entries reserved.
	if !u.entryUsed[0] || !u.entryUsed[1] {
		t.Fatal("expected GetFreeAddress to reserve two level-4 entries")
	}
}

func TestGetFreeAddressWithoutASLRHasZeroOffset(t *testing.T) {
	u := &UsedLevel4Entries{}
	addr := u.GetFreeAddress(4096, 4096)
	if addr != 0 {
		t.Fatalf("expected offset 0 without ASLR, got %#x", addr)
	}
}

func TestGetFreeAddressWithASLRUsesDeterministicSeed(t *testing.T) {
	defer func() { entropyFn = originalEntropyFnForTest }()
	entropyFn = func() [32]byte {
		var s [32]byte
		s[0] = 0x42
		return s
	}

	u := NewUsedLevel4Entries(0x1000_0000, 4, 0, 0, 0, MappingConfig{ASLR: true})
	if u.rng == nil {
		t.Fatal("expected ASLR config to install an rng")
	}

	addr1 := u.GetFreeAddress(4096, 4096)

	u2 := NewUsedLevel4Entries(0x1000_0000, 4, 0, 0, 0, MappingConfig{ASLR: true})
	addr2 := u2.GetFreeAddress(4096, 4096)

	if addr1 != addr2 {
		t.Fatalf("expected the same entropy seed to produce the same address, got %#x and %#x", addr1, addr2)
	}
}

var originalEntropyFnForTest = entropyFn

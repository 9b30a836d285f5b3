package bootinfo

import "testing"

func TestMappingRoundTrip(t *testing.T) {
	dynamic := Mapping{}
	if got := dynamic.serialize(); got != ([9]byte{}) {
		t.Fatalf("Dynamic serialized to %v, want all zero", got)
	}
	back, err := deserializeMapping(dynamic.serialize())
	if err != nil || !back.IsDynamic() {
		t.Fatalf("Dynamic round-trip failed: %v, err=%v", back, err)
	}

	addr := uint64(0x1000)
	fixed := Mapping{FixedAddr: &addr}
	want := [9]byte{1, 0x00, 0x10, 0, 0, 0, 0, 0, 0}
	if got := fixed.serialize(); got != want {
		t.Fatalf("FixedAddress(0x1000) serialized to %v, want %v", got, want)
	}
	back, err = deserializeMapping(fixed.serialize())
	if err != nil || back.IsDynamic() || *back.FixedAddr != addr {
		t.Fatalf("FixedAddress round-trip failed: %+v, err=%v", back, err)
	}
}

func defaultConfig() Config {
	return Config{
		Version:         ApiVersion{},
		KernelStackSize: 80 * 1024,
	}
}

func TestConfigDefaultsRoundTrip(t *testing.T) {
	cfg := defaultConfig()

	serialized := cfg.Serialize()
	if len(serialized) != SerializedConfigLen {
		t.Fatalf("serialized length = %d, want %d", len(serialized), SerializedConfigLen)
	}

	got, err := Deserialize(serialized[:])
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.KernelStackSize != 80*1024 {
		t.Errorf("KernelStackSize = %d, want %d", got.KernelStackSize, 80*1024)
	}
	if !got.KernelStack.IsDynamic() || !got.BootInfoMapping.IsDynamic() || !got.Framebuffer.IsDynamic() {
		t.Errorf("expected all mappings Dynamic, got %+v", got)
	}
	if got.PhysicalMemory != nil || got.PageTableRecursive != nil {
		t.Errorf("expected optional mappings None, got phys=%v recursive=%v", got.PhysicalMemory, got.PageTableRecursive)
	}
	if got.MinFramebufferHeight != nil || got.MinFramebufferWidth != nil {
		t.Errorf("expected optional framebuffer minimums None, got %+v", got)
	}
	if got != cfg {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestConfigWithMinimumFramebuffer(t *testing.T) {
	cfg := defaultConfig()
	height, width := uint64(600), uint64(800)
	cfg.MinFramebufferHeight = &height
	cfg.MinFramebufferWidth = &width

	serialized := cfg.Serialize()
	got, err := Deserialize(serialized[:])
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.MinFramebufferHeight == nil || *got.MinFramebufferHeight != 600 {
		t.Errorf("MinFramebufferHeight = %v, want 600", got.MinFramebufferHeight)
	}
	if got.MinFramebufferWidth == nil || *got.MinFramebufferWidth != 800 {
		t.Errorf("MinFramebufferWidth = %v, want 800", got.MinFramebufferWidth)
	}
}

func TestConfigWithFixedMappings(t *testing.T) {
	cfg := defaultConfig()
	stackAddr := uint64(0xffff_8000_0000_0000)
	cfg.KernelStack = Mapping{FixedAddr: &stackAddr}
	physOffset := uint64(0xffff_8800_0000_0000)
	cfg.PhysicalMemory = &Mapping{FixedAddr: &physOffset}

	serialized := cfg.Serialize()
	got, err := Deserialize(serialized[:])
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.KernelStack.IsDynamic() || *got.KernelStack.FixedAddr != stackAddr {
		t.Errorf("KernelStack = %+v, want fixed %#x", got.KernelStack, stackAddr)
	}
	if got.PhysicalMemory == nil || got.PhysicalMemory.IsDynamic() || *got.PhysicalMemory.FixedAddr != physOffset {
		t.Errorf("PhysicalMemory = %+v, want fixed %#x", got.PhysicalMemory, physOffset)
	}
	if got.PageTableRecursive != nil {
		t.Errorf("PageTableRecursive = %+v, want None", got.PageTableRecursive)
	}
}

func TestDeserializeRejectsWrongLength(t *testing.T) {
	if _, err := Deserialize(make([]byte, SerializedConfigLen-1)); err == nil {
		t.Fatal("expected error for short input")
	}
	if _, err := Deserialize(make([]byte, SerializedConfigLen+1)); err == nil {
		t.Fatal("expected error for long input")
	}
}

func TestDeserializeRejectsBadSentinel(t *testing.T) {
	buf := defaultConfig().Serialize()
	buf[0] ^= 0xff
	if _, err := Deserialize(buf[:]); err == nil {
		t.Fatal("expected error for corrupted UUID sentinel")
	}
}

func TestDeserializeRejectsBadMappingTag(t *testing.T) {
	buf := defaultConfig().Serialize()
	// kernel_stack mapping tag byte sits right after the 16-byte UUID, the
	// 7-byte version, and the 8-byte kernel_stack_size.
	buf[16+7+8] = 2
	if _, err := Deserialize(buf[:]); err == nil {
		t.Fatal("expected error for invalid mapping tag")
	}
}

func TestDeserializeRejectsDynamicMappingWithNonZeroAddress(t *testing.T) {
	buf := defaultConfig().Serialize()
	addrOff := 16 + 7 + 8 + 1 // tag byte, then the 8-byte address field
	buf[addrOff] = 0x42
	if _, err := Deserialize(buf[:]); err == nil {
		t.Fatal("expected error for Dynamic mapping with nonzero address bytes")
	}
}

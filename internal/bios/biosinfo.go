package bios

import "bootloader/internal/bootinfo"

// Region is a physical address range stage 2 hands to stage 3/4, e.g. the
// extent of a loaded file or the E820 buffer.
type Region struct {
	Start uint64
	Len   uint64
}

// FramebufferInfo describes the VESA mode stage 2 selected and enabled.
type FramebufferInfo struct {
	Region        Region
	Width         uint16
	Height        uint16
	BytesPerPixel uint8
	Stride        uint16
	PixelFormat   bootinfo.PixelFormat
}

// Info is everything stage 2 discovers that stage 3/4 and the kernel need
// but cannot easily rediscover themselves: where the loaded files and the
// E820 buffer ended up in physical memory, the chosen framebuffer, and the
// high-water mark of memory stage 2 has claimed for its own use.
type Info struct {
	Stage4        Region
	Kernel        Region
	Ramdisk       Region
	ConfigFile    Region
	LastUsedAddr  uint64
	Framebuffer   FramebufferInfo
	MemoryMapAddr uint32
	MemoryMapLen  uint16
}

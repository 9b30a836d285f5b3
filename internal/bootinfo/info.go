package bootinfo

import (
	"encoding/binary"

	"bootloader/internal/kernelelf"
	"bootloader/internal/pmm"
)

// PixelFormatKind enumerates the handful of pixel layouts a firmware
// framebuffer can report.
type PixelFormatKind uint8

const (
	PixelFormatRGB PixelFormatKind = iota
	PixelFormatBGR
	PixelFormatU8
	PixelFormatUnknown
)

// PixelFormat describes how to read one pixel's bytes. RedPosition,
// GreenPosition and BluePosition are only meaningful when Kind is
// PixelFormatUnknown; they record each channel's bit offset within the
// pixel as firmware-reported, unrecognized layouts are still usable if the
// kernel is willing to do its own channel math.
type PixelFormat struct {
	Kind          PixelFormatKind
	RedPosition   uint8
	GreenPosition uint8
	BluePosition  uint8
}

// FrameBufferInfo describes the layout of a FrameBuffer: its size, pixel
// geometry, and the pixel format firmware reported.
type FrameBufferInfo struct {
	ByteLen       uint64
	Width         uint64
	Height        uint64
	PixelFormat   PixelFormat
	BytesPerPixel uint64
	Stride        uint64
}

// FrameBuffer is the physical location and layout of the pixel buffer the
// kernel can write to directly once physical-memory mapping (or a
// dedicated framebuffer mapping) is in place.
type FrameBuffer struct {
	BufferStart uint64
	Info        FrameBufferInfo
}

// TLSTemplate is re-exported from kernelelf: the loader is what discovers
// a kernel's PT_TLS segment, and Info simply carries that same value
// through to the kernel.
type TLSTemplate = kernelelf.TLSTemplate

// Info is the runtime structure handed to the kernel by pointer
// immediately after the context switch, built fresh for every boot: the
// firmware/bootloader memory map, the optional framebuffer, and every
// other piece of bootstrap state the kernel needs before it can set up its
// own allocators.
type Info struct {
	ApiVersion ApiVersion

	MemoryRegions []pmm.MemoryRegion

	Framebuffer          *FrameBuffer
	PhysicalMemoryOffset *uint64
	RecursiveIndex       *uint16
	RsdpAddr             *uint64
	TLS                  *TLSTemplate

	RamdiskAddr *uint64
	RamdiskLen  uint64

	KernelAddr        uint64
	KernelLen         uint64
	KernelImageOffset uint64
}

// MemoryRegionSize is the encoded size of one pmm.MemoryRegion entry:
// Start, End (8 bytes each), Kind and UnknownCode (4 bytes each).
const MemoryRegionSize = 24

// Encode writes info's header fields followed by its MemoryRegions array
// into dst using a plain, hand-rolled little-endian layout (not Go struct
// layout, which has no stable cross-compilation guarantee): every
// optional is a 1-byte present/absent tag followed by its fixed-size
// payload, matching the tagged-union encoding the wire Config already
// uses. dst must be at least EncodedLen(len(info.MemoryRegions)) bytes.
func (info Info) Encode(dst []byte) {
	off := 0

	binary.LittleEndian.PutUint16(dst[off:], info.ApiVersion.Major)
	binary.LittleEndian.PutUint16(dst[off+2:], info.ApiVersion.Minor)
	binary.LittleEndian.PutUint16(dst[off+4:], info.ApiVersion.Patch)
	if info.ApiVersion.PreRelease {
		dst[off+6] = 1
	}
	off += 7

	binary.LittleEndian.PutUint64(dst[off:], uint64(len(info.MemoryRegions)))
	off += 8

	if info.Framebuffer != nil {
		dst[off] = 1
		off++
		binary.LittleEndian.PutUint64(dst[off:], info.Framebuffer.BufferStart)
		off += 8
		off += encodeFramebufferInfo(dst[off:], info.Framebuffer.Info)
	} else {
		off += 1 + 8 + frameBufferInfoSize
	}

	off += encodeOptionalU64(dst[off:], info.PhysicalMemoryOffset)

	if info.RecursiveIndex != nil {
		dst[off] = 1
		binary.LittleEndian.PutUint16(dst[off+1:], *info.RecursiveIndex)
	}
	off += 3

	off += encodeOptionalU64(dst[off:], info.RsdpAddr)

	if info.TLS != nil {
		dst[off] = 1
		binary.LittleEndian.PutUint64(dst[off+1:], info.TLS.StartAddr)
		binary.LittleEndian.PutUint64(dst[off+9:], info.TLS.FileSize)
		binary.LittleEndian.PutUint64(dst[off+17:], info.TLS.MemSize)
	}
	off += 25

	off += encodeOptionalU64(dst[off:], info.RamdiskAddr)
	binary.LittleEndian.PutUint64(dst[off:], info.RamdiskLen)
	off += 8

	binary.LittleEndian.PutUint64(dst[off:], info.KernelAddr)
	off += 8
	binary.LittleEndian.PutUint64(dst[off:], info.KernelLen)
	off += 8
	binary.LittleEndian.PutUint64(dst[off:], info.KernelImageOffset)
	off += 8

	for i, r := range info.MemoryRegions {
		encodeMemoryRegion(dst[off+i*MemoryRegionSize:], r)
	}
}

const frameBufferInfoSize = 8 + 8 + 8 + 4 + 8 + 8

func encodeFramebufferInfo(dst []byte, fi FrameBufferInfo) int {
	binary.LittleEndian.PutUint64(dst[0:], fi.ByteLen)
	binary.LittleEndian.PutUint64(dst[8:], fi.Width)
	binary.LittleEndian.PutUint64(dst[16:], fi.Height)
	dst[24] = uint8(fi.PixelFormat.Kind)
	dst[25] = fi.PixelFormat.RedPosition
	dst[26] = fi.PixelFormat.GreenPosition
	dst[27] = fi.PixelFormat.BluePosition
	binary.LittleEndian.PutUint64(dst[28:], fi.BytesPerPixel)
	binary.LittleEndian.PutUint64(dst[36:], fi.Stride)
	return frameBufferInfoSize
}

func encodeOptionalU64(dst []byte, v *uint64) int {
	if v != nil {
		dst[0] = 1
		binary.LittleEndian.PutUint64(dst[1:], *v)
	}
	return 9
}

func encodeMemoryRegion(dst []byte, r pmm.MemoryRegion) {
	binary.LittleEndian.PutUint64(dst[0:], r.Start)
	binary.LittleEndian.PutUint64(dst[8:], r.End)
	binary.LittleEndian.PutUint32(dst[16:], uint32(r.Kind))
	binary.LittleEndian.PutUint32(dst[20:], r.UnknownCode)
}

// headerSize is the exact number of bytes Encode writes before the
// MemoryRegions array.
const headerSize = 7 + 8 + (1 + 8 + frameBufferInfoSize) + 9 + 3 + 9 + 25 + 9 + 8 + 8 + 8 + 8

// EncodedLen returns the total byte size Encode needs for numRegions
// trailing MemoryRegion entries.
func EncodedLen(numRegions int) int {
	return headerSize + numRegions*MemoryRegionSize
}

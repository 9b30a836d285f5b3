package bios

import "bootloader/internal/bootinfo"

// graphicsLinearFramebufferMask selects VBE mode attribute bits 4 (graphics
// mode, not text) and 7 (linear framebuffer available).
const graphicsLinearFramebufferMask = 0x90

// Supported VBE memory models: packed-pixel graphics and direct-color.
const (
	memoryModelPackedPixel = 4
	memoryModelDirectColor = 6
)

// VesaMode is one decoded VBE mode-information block, as returned by
// INT 0x10, AX=0x4f01.
type VesaMode struct {
	Mode             uint16
	Attributes       uint16
	MemoryModel      uint8
	Width            uint16
	Height           uint16
	FramebufferStart uint32
	BytesPerScanline uint16
	BytesPerPixel    uint8
	PixelFormat      bootinfo.PixelFormat
}

// DecodePixelFormat maps a VBE mode's direct-color field positions to the
// PixelFormat the rest of the bootloader understands.
func DecodePixelFormat(redPosition, greenPosition, bluePosition uint8) bootinfo.PixelFormat {
	switch {
	case redPosition == 0 && greenPosition == 8 && bluePosition == 16:
		return bootinfo.PixelFormat{Kind: bootinfo.PixelFormatRGB}
	case redPosition == 16 && greenPosition == 8 && bluePosition == 0:
		return bootinfo.PixelFormat{Kind: bootinfo.PixelFormatBGR}
	default:
		return bootinfo.PixelFormat{
			Kind:          bootinfo.PixelFormatUnknown,
			RedPosition:   redPosition,
			GreenPosition: greenPosition,
			BluePosition:  bluePosition,
		}
	}
}

// usable reports whether a mode is a graphics mode with a linear
// framebuffer, in a memory model this bootloader can drive, within the
// requested size bound.
func (m VesaMode) usable(maxWidth, maxHeight uint16) bool {
	if m.Attributes&graphicsLinearFramebufferMask != graphicsLinearFramebufferMask {
		return false
	}
	if m.MemoryModel != memoryModelPackedPixel && m.MemoryModel != memoryModelDirectColor {
		return false
	}
	return m.Width <= maxWidth && m.Height <= maxHeight
}

// replaces reports whether candidate should replace best as the
// best-known mode: a known pixel format replaces an Unknown one, a wider
// mode replaces a narrower one, and at equal width a taller mode replaces
// a shorter one. The width rule applies regardless of pixel format, so a
// wider Unknown-format mode still replaces a known-format best.
func (candidate VesaMode) replaces(best VesaMode) bool {
	if best.PixelFormat.Kind == bootinfo.PixelFormatUnknown && candidate.PixelFormat.Kind != bootinfo.PixelFormatUnknown {
		return true
	}
	if candidate.Width > best.Width {
		return true
	}
	return candidate.Width == best.Width && candidate.Height > best.Height
}

// SelectMode picks the best mode out of modes not exceeding maxWidth x
// maxHeight, applying the same filter/replace rule as the original VBE
// mode scan: graphics+linear-framebuffer modes only, in a supported
// memory model, with each later mode replacing the current best as
// replaces describes.
func SelectMode(modes []VesaMode, maxWidth, maxHeight uint16) (VesaMode, bool) {
	var best VesaMode
	found := false
	for _, mode := range modes {
		if !mode.usable(maxWidth, maxHeight) {
			continue
		}
		if !found || mode.replaces(best) {
			best = mode
			found = true
		}
	}
	return best, found
}

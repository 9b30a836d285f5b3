package uefi

import "bootloader/internal/bootinfo"

// PixelFormat mirrors EFI_GRAPHICS_PIXEL_FORMAT, as reported by the
// Graphics Output Protocol's QueryMode.
type PixelFormat uint32

const (
	PixelRedGreenBlueReserved8BitPerColor PixelFormat = iota
	PixelBlueGreenRedReserved8BitPerColor
	PixelBitMask
	PixelBltOnly
)

// GOPMode is one decoded GOP mode-information entry, as returned by
// QueryMode for a single ModeNumber.
type GOPMode struct {
	ModeNumber        uint32
	Width             uint32
	Height            uint32
	Format            PixelFormat
	PixelsPerScanLine uint32
	FramebufferBase   uint64
	FramebufferSize   uint64
}

// PixelFormat decodes m's GOP pixel format into the PixelFormat the rest
// of the bootloader understands, for building the kernel's
// FrameBufferInfo. Only PixelRedGreenBlueReserved8BitPerColor and
// PixelBlueGreenRedReserved8BitPerColor ever reach a selected mode;
// PixelBitMask and PixelBltOnly are rejected outright by usable (a
// bitmask framebuffer's channel positions live in a separate
// EFI_PIXEL_BITMASK this loader doesn't decode, and a BltOnly mode has no
// linear framebuffer address at all).
func (m GOPMode) PixelFormat() bootinfo.PixelFormat {
	if m.Format == PixelBlueGreenRedReserved8BitPerColor {
		return bootinfo.PixelFormat{Kind: bootinfo.PixelFormatBGR}
	}
	return bootinfo.PixelFormat{Kind: bootinfo.PixelFormatRGB}
}

// usable reports whether a GOP mode can be driven by this loader at all,
// independent of any size constraint: PixelBitMask and PixelBltOnly are
// both rejected, matching the reference loader's own refusal to build a
// framebuffer from either.
func (m GOPMode) usable() bool {
	return m.Format == PixelRedGreenBlueReserved8BitPerColor || m.Format == PixelBlueGreenRedReserved8BitPerColor
}

// SelectGOPMode picks a mode meeting the kernel's configured minimum
// framebuffer size: among the usable modes whose width and height (each
// only if its corresponding minimum is set) are at least the requested
// minimum, the last one encountered wins — GOP mode numbers are not
// sorted by resolution, but this is the same selection the reference
// loader performs over its own mode iterator. With neither a minimum
// width nor height configured, the first usable mode is returned,
// standing in for "leave the firmware's current mode in place" (modes is
// expected to list the current mode first, the way GOP reports it).
func SelectGOPMode(modes []GOPMode, minWidth, minHeight *uint64) (GOPMode, bool) {
	var best GOPMode
	found := false

	for _, mode := range modes {
		if !mode.usable() {
			continue
		}
		if minWidth == nil && minHeight == nil {
			return mode, true
		}
		if minWidth != nil && uint64(mode.Width) < *minWidth {
			continue
		}
		if minHeight != nil && uint64(mode.Height) < *minHeight {
			continue
		}
		best, found = mode, true
	}

	return best, found
}

// BytesPerPixel returns the pixel stride GOP always uses: every usable
// pixel format packs one pixel into 4 bytes.
func (m GOPMode) BytesPerPixel() uint32 { return 4 }

// Package ramdisk decompresses the optional ramdisk image stage 2/the
// UEFI loader copies off disk before handing its final address and
// length to the kernel through BootInfo. The upstream format this
// bootloader is grounded on never compresses the ramdisk; this package
// supplements that with the same magic-byte codec dispatch a boot-image
// packer like magiskboot uses, so a build pipeline that ships a
// compressed ramdisk doesn't need its own decompression step baked into
// every kernel.
package ramdisk

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/ulikunitz/xz"

	"bootloader/internal/bootkernel"
)

// Codec identifies how a ramdisk image on disk is encoded.
type Codec int

const (
	// Raw means the bytes are the ramdisk's uncompressed contents.
	Raw Codec = iota
	Gzip
	XZ
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Sniff inspects data's leading bytes and reports which codec produced
// it. A buffer too short to contain any known magic, or one that matches
// neither, is Raw.
func Sniff(data []byte) Codec {
	if hasPrefix(data, xzMagic) {
		return XZ
	}
	if hasPrefix(data, gzipMagic) {
		return Gzip
	}
	return Raw
}

func hasPrefix(data, magic []byte) bool {
	return len(data) >= len(magic) && bytes.Equal(data[:len(magic)], magic)
}

// Decompress returns the ramdisk's uncompressed contents, dispatching on
// Sniff(data). Raw data is returned unchanged (not copied).
func Decompress(data []byte) ([]byte, *bootkernel.Error) {
	switch Sniff(data) {
	case XZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &bootkernel.Error{Stage: "ramdisk", Message: "invalid xz stream: " + err.Error()}
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &bootkernel.Error{Stage: "ramdisk", Message: "xz decompression failed: " + err.Error()}
		}
		return out, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &bootkernel.Error{Stage: "ramdisk", Message: "invalid gzip stream: " + err.Error()}
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &bootkernel.Error{Stage: "ramdisk", Message: "gzip decompression failed: " + err.Error()}
		}
		return out, nil
	default:
		return data, nil
	}
}

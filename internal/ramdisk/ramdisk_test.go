package ramdisk

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/ulikunitz/xz"
)

func TestSniffDetectsKnownMagicBytes(t *testing.T) {
	if got := Sniff([]byte{0x1f, 0x8b, 0x08, 0x00}); got != Gzip {
		t.Errorf("Sniff(gzip magic) = %v, want Gzip", got)
	}
	if got := Sniff([]byte{0xfd, '7', 'z', 'X', 'Z', 0x00, 0x00}); got != XZ {
		t.Errorf("Sniff(xz magic) = %v, want XZ", got)
	}
	if got := Sniff([]byte{'r', 'a', 'w', 'd', 'a', 't', 'a'}); got != Raw {
		t.Errorf("Sniff(plain bytes) = %v, want Raw", got)
	}
	if got := Sniff(nil); got != Raw {
		t.Errorf("Sniff(nil) = %v, want Raw", got)
	}
}

func TestDecompressPassesThroughRawData(t *testing.T) {
	in := []byte("a perfectly ordinary uncompressed ramdisk")
	out, err := Decompress(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("Decompress(raw) = %q, want %q", out, in)
	}
}

func TestDecompressGzip(t *testing.T) {
	want := []byte("ramdisk contents compressed with gzip")
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(want); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, err := Decompress(buf.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Decompress(gzip) = %q, want %q", got, want)
	}
}

func TestDecompressXZ(t *testing.T) {
	want := []byte("ramdisk contents compressed with xz")
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := w.Write(want); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, decErr := Decompress(buf.Bytes())
	if decErr != nil {
		t.Fatalf("unexpected error: %v", decErr)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Decompress(xz) = %q, want %q", got, want)
	}
}

func TestDecompressRejectsTruncatedGzip(t *testing.T) {
	if _, err := Decompress([]byte{0x1f, 0x8b, 0x08}); err == nil {
		t.Fatal("expected an error for a truncated gzip stream")
	}
}

// Package bootinfo implements the wire format the kernel and bootloader
// agree on: a fixed 96-byte BootloaderConfig the kernel embeds in its own
// ELF image and the bootloader reads back out of it, and the runtime Info
// structure the bootloader constructs and hands the kernel a pointer to
// after the context switch.
package bootinfo

import "encoding/binary"

// SerializedConfigLen is the exact byte length of a serialized Config. Any
// other length is a decoding error.
const SerializedConfigLen = 96

// configUUID is the sentinel every valid Config begins with; it lets the
// bootloader recognize the dedicated ELF section before trusting the bytes
// that follow as a Config.
var configUUID = [16]byte{
	0x74, 0x3C, 0xA9, 0x61, 0x09, 0x36, 0x46, 0xA0,
	0xBB, 0x55, 0x5C, 0x15, 0x89, 0x15, 0x25, 0x3D,
}

// ApiVersion identifies the bootloader<->kernel config/boot-info layout
// version. Deserialize records the version it reads but does not reject a
// version that differs from the bootloader's own.
type ApiVersion struct {
	Major      uint16
	Minor      uint16
	Patch      uint16
	PreRelease bool
}

// Mapping selects how a region is placed in the kernel's virtual address
// space: Dynamic lets the level-4 entry tracker pick an address, a
// non-nil FixedAddr pins it to a specific, page-aligned one.
type Mapping struct {
	FixedAddr *uint64
}

// IsDynamic reports whether m asks for a bootloader-chosen address.
func (m Mapping) IsDynamic() bool { return m.FixedAddr == nil }

func (m Mapping) serialize() [9]byte {
	var buf [9]byte
	if m.FixedAddr != nil {
		buf[0] = 1
		binary.LittleEndian.PutUint64(buf[1:], *m.FixedAddr)
	}
	return buf
}

func deserializeMapping(buf [9]byte) (Mapping, error) {
	switch buf[0] {
	case 0:
		if buf[1:] != ([8]byte{}) {
			return Mapping{}, errInvalidConfig
		}
		return Mapping{}, nil
	case 1:
		addr := binary.LittleEndian.Uint64(buf[1:])
		return Mapping{FixedAddr: &addr}, nil
	default:
		return Mapping{}, errInvalidConfig
	}
}

// Config is the in-memory form of the 96-byte wire structure described in
// the data model: kernel stack size, the mapping policy for every region
// the bootloader places, and the minimum acceptable framebuffer size.
type Config struct {
	Version ApiVersion

	KernelStackSize uint64

	KernelStack         Mapping
	BootInfoMapping     Mapping
	Framebuffer         Mapping
	PhysicalMemory      *Mapping
	PageTableRecursive  *Mapping
	MinFramebufferHeight *uint64
	MinFramebufferWidth  *uint64
}

// errInvalidConfig is returned by Deserialize for any malformed input:
// wrong length, bad sentinel, bad tag byte, or a tag/value mismatch.
var errInvalidConfig = configError("malformed bootloader config")

type configError string

func (e configError) Error() string { return string(e) }

// Serialize produces the exact 96-byte layout the kernel's linker section
// and the bootloader agree on.
func (c Config) Serialize() [SerializedConfigLen]byte {
	var buf [SerializedConfigLen]byte
	off := 0

	copy(buf[off:], configUUID[:])
	off += 16

	binary.LittleEndian.PutUint16(buf[off:], c.Version.Major)
	binary.LittleEndian.PutUint16(buf[off+2:], c.Version.Minor)
	binary.LittleEndian.PutUint16(buf[off+4:], c.Version.Patch)
	if c.Version.PreRelease {
		buf[off+6] = 1
	}
	off += 7

	binary.LittleEndian.PutUint64(buf[off:], c.KernelStackSize)
	off += 8

	for _, m := range []Mapping{c.KernelStack, c.BootInfoMapping, c.Framebuffer} {
		b := m.serialize()
		copy(buf[off:], b[:])
		off += 9
	}

	off += writeOptionalMapping(buf[off:], c.PhysicalMemory)
	off += writeOptionalMapping(buf[off:], c.PageTableRecursive)
	off += writeOptionalU64(buf[off:], c.MinFramebufferHeight)
	off += writeOptionalU64(buf[off:], c.MinFramebufferWidth)

	return buf
}

func writeOptionalMapping(dst []byte, m *Mapping) int {
	if m == nil {
		return 10
	}
	dst[0] = 1
	b := m.serialize()
	copy(dst[1:], b[:])
	return 10
}

func writeOptionalU64(dst []byte, v *uint64) int {
	if v == nil {
		return 9
	}
	dst[0] = 1
	binary.LittleEndian.PutUint64(dst[1:], *v)
	return 9
}

// Deserialize parses the config the kernel embedded in its own ELF image.
// Any deviation from the exact wire format — wrong length, wrong sentinel,
// an invalid tag byte, or a Dynamic mapping whose address field is not all
// zero — is rejected rather than silently tolerated: a bootloader and
// kernel that disagree about the config layout must fail loudly, not boot
// into an address space neither side actually intended.
func Deserialize(data []byte) (Config, error) {
	if len(data) != SerializedConfigLen {
		return Config{}, errInvalidConfig
	}

	var uuid [16]byte
	copy(uuid[:], data[0:16])
	if uuid != configUUID {
		return Config{}, errInvalidConfig
	}

	var cfg Config
	off := 16

	cfg.Version = ApiVersion{
		Major: binary.LittleEndian.Uint16(data[off:]),
		Minor: binary.LittleEndian.Uint16(data[off+2:]),
		Patch: binary.LittleEndian.Uint16(data[off+4:]),
	}
	switch data[off+6] {
	case 0:
		cfg.Version.PreRelease = false
	case 1:
		cfg.Version.PreRelease = true
	default:
		return Config{}, errInvalidConfig
	}
	off += 7

	cfg.KernelStackSize = binary.LittleEndian.Uint64(data[off:])
	off += 8

	mappings := make([]*Mapping, 3)
	for i := range mappings {
		var raw [9]byte
		copy(raw[:], data[off:off+9])
		m, err := deserializeMapping(raw)
		if err != nil {
			return Config{}, err
		}
		mappings[i] = &m
		off += 9
	}
	cfg.KernelStack = *mappings[0]
	cfg.BootInfoMapping = *mappings[1]
	cfg.Framebuffer = *mappings[2]

	phys, n, err := readOptionalMapping(data[off:])
	if err != nil {
		return Config{}, err
	}
	cfg.PhysicalMemory = phys
	off += n

	recursive, n, err := readOptionalMapping(data[off:])
	if err != nil {
		return Config{}, err
	}
	cfg.PageTableRecursive = recursive
	off += n

	height, n, err := readOptionalU64(data[off:])
	if err != nil {
		return Config{}, err
	}
	cfg.MinFramebufferHeight = height
	off += n

	width, n, err := readOptionalU64(data[off:])
	if err != nil {
		return Config{}, err
	}
	cfg.MinFramebufferWidth = width
	off += n

	if off != len(data) {
		return Config{}, errInvalidConfig
	}

	return cfg, nil
}

func readOptionalMapping(data []byte) (*Mapping, int, error) {
	switch data[0] {
	case 0:
		var zero [9]byte
		var raw [9]byte
		copy(raw[:], data[1:10])
		if raw != zero {
			return nil, 0, errInvalidConfig
		}
		return nil, 10, nil
	case 1:
		var raw [9]byte
		copy(raw[:], data[1:10])
		m, err := deserializeMapping(raw)
		if err != nil {
			return nil, 0, err
		}
		return &m, 10, nil
	default:
		return nil, 0, errInvalidConfig
	}
}

func readOptionalU64(data []byte) (*uint64, int, error) {
	switch data[0] {
	case 0:
		for _, b := range data[1:9] {
			if b != 0 {
				return nil, 0, errInvalidConfig
			}
		}
		return nil, 9, nil
	case 1:
		v := binary.LittleEndian.Uint64(data[1:9])
		return &v, 9, nil
	default:
		return nil, 0, errInvalidConfig
	}
}

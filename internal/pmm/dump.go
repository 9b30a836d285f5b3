package pmm

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

func (k Kind) String() string {
	switch k {
	case Usable:
		return "Usable"
	case Bootloader:
		return "Bootloader"
	case UnknownBios:
		return "UnknownBios"
	case UnknownUefi:
		return "UnknownUefi"
	default:
		return "Unknown"
	}
}

// DumpMap writes a human-readable rendering of regions to w, one line per
// region, with byte counts formatted the way a host-side operator expects
// rather than raw integers. It is a diagnostic helper that no boot stage
// and no command in this repository calls; it plays no role in the
// boot-info contract itself.
func DumpMap(w io.Writer, regions []MemoryRegion) {
	var total uint64
	for _, r := range regions {
		fmt.Fprintf(w, "  [0x%010x - 0x%010x) %-12s %s\n",
			r.Start, r.End, r.Kind, humanize.Bytes(r.Len()))
		if r.Kind == Usable {
			total += r.Len()
		}
	}
	fmt.Fprintf(w, "  total usable: %s\n", humanize.Bytes(total))
}

// Package uefi implements the UEFI loader stage: on firmware that boots
// via UEFI, a single program subsumes the BIOS path's stage-1 through
// stage-3 (firmware already provides long mode, paging, and a filesystem
// abstraction), leaving only kernel discovery, a GOP mode pick, an ACPI
// RSDP lookup, and the exit-Boot-Services memory-map handoff before the
// shared ELF-load/page-table/context-switch tail in internal/kernelelf,
// internal/vmm and internal/ctxswitch takes over.
//
// None of this package issues real firmware calls directly: file reads
// (FileSystem, PXEClient) and physical-memory access
// (kernelelf.PhysMemory) come in through small interfaces, and the GOP
// modes, configuration table and memory map arrive as plain values.
// Allocating pages and calling ExitBootServices are left to the caller.
package uefi

package uefi

import "bootloader/internal/bootkernel"

// KernelFileName is the file the UEFI loader looks up, first on its own
// originating volume and then over the network, mirroring the BIOS data
// partition's fixed "kernel-x86_64" file name.
const KernelFileName = "kernel-x86_64"

// FileSystem abstracts EFI_SIMPLE_FILE_SYSTEM_PROTOCOL opened against the
// loader's own originating device: the production implementation opens
// the protocol's root directory and reads name, tests substitute an
// in-memory map.
type FileSystem interface {
	ReadFile(name string) ([]byte, *bootkernel.Error)
}

// PXEClient abstracts EFI_PXE_BASE_CODE_PROTOCOL enough to fetch a file
// by TFTP from the DHCP-provided boot server: its single method, ReadFile,
// covers both finding the server and the MTFTP/TFTP read. Production wires this to the
// real protocol; tests substitute a fixed byte slice or a forced error.
type PXEClient interface {
	ReadFile(name string) ([]byte, *bootkernel.Error)
}

// LocateKernel loads name, first via fs (the loader's own originating
// SimpleFileSystem volume) and, only if fs is absent or the lookup fails,
// via pxe (TFTP against the DHCP-provided boot server). This is the same
// fallback order the UEFI stage description requires: SimpleFileSystem
// first, PXE BaseCode second.
func LocateKernel(fs FileSystem, pxe PXEClient, name string) ([]byte, *bootkernel.Error) {
	if fs != nil {
		if data, err := fs.ReadFile(name); err == nil {
			return data, nil
		}
	}
	if pxe != nil {
		return pxe.ReadFile(name)
	}
	return nil, &bootkernel.Error{Stage: "uefi", Message: "kernel not found via SimpleFileSystem and no PXE client available"}
}

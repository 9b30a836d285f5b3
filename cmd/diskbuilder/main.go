package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

func usage() {
	fmt.Fprintf(os.Stderr, `diskbuilder - assemble a bootable bootloader disk image

Usage: %s <bios|uefi> [args...]

  bios -o <image> -stage2 <file> -stage3 <file> -stage4 <file> -kernel <file> [-ramdisk <file>] [-boot-json <file>]
    Writes an MBR disk image: partition 1 (type 0x20) holds the raw
    stage-2 binary, partition 2 (FAT12/16) holds stage-3, stage-4, the
    kernel, and the optional ramdisk/boot-config files under the names
    stage 2 loads by: boot-stage-3, boot-stage-4, kernel-x86_64, ramdisk,
    boot.json.

  uefi -o <image> -loader <file> -kernel <file> [-ramdisk <file>] [-boot-json <file>]
    Writes a GPT disk image with a single EFI System Partition holding
    the loader at /EFI/BOOT/BOOTX64.EFI and the remaining files in the
    ESP's root.

`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var (
		image []byte
		err   error
	)
	switch os.Args[1] {
	case "bios":
		image, err = runBIOSCommand(os.Args[2:])
	case "uefi":
		image, err = runUEFICommand(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "diskbuilder: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "diskbuilder: %v\n", err)
		os.Exit(1)
	}
}

type commandArgs map[string]string

// parseArgs does the same manual "-flag value" scan as magiskboot's own
// subcommand argument handling, rather than reaching for the flag
// package: every flag here is a required or optional string value, and
// there's no benefit to flag.FlagSet's usage-string generation when
// usage() already documents the full command set by hand.
func parseArgs(args []string) (commandArgs, error) {
	out := commandArgs{}
	for i := 0; i < len(args); i++ {
		name := args[i]
		if len(name) < 2 || name[0] != '-' {
			return nil, fmt.Errorf("unexpected argument %q", name)
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("flag %q needs a value", name)
		}
		out[name[1:]] = args[i+1]
		i++
	}
	return out, nil
}

func (a commandArgs) require(name string) (string, error) {
	v, ok := a[name]
	if !ok {
		return "", fmt.Errorf("missing required -%s", name)
	}
	return v, nil
}

func runBIOSCommand(args []string) ([]byte, error) {
	a, err := parseArgs(args)
	if err != nil {
		return nil, err
	}

	out, err := a.require("o")
	if err != nil {
		return nil, err
	}
	stage2Path, err := a.require("stage2")
	if err != nil {
		return nil, err
	}
	stage2, err := os.ReadFile(stage2Path)
	if err != nil {
		return nil, err
	}

	dataFiles, err := collectNamedFiles(a, map[string]string{
		"stage3":    "boot-stage-3",
		"stage4":    "boot-stage-4",
		"kernel":    "kernel-x86_64",
		"ramdisk":   "ramdisk",
		"boot-json": "boot.json",
	}, []string{"stage3", "stage4", "kernel"})
	if err != nil {
		return nil, err
	}

	image, err := buildBIOSDisk(stage2, dataFiles)
	if err != nil {
		return nil, err
	}
	if err := writeDiskImage(out, image); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%s)\n", out, humanize.Bytes(uint64(len(image))))
	return image, nil
}

func runUEFICommand(args []string) ([]byte, error) {
	a, err := parseArgs(args)
	if err != nil {
		return nil, err
	}

	out, err := a.require("o")
	if err != nil {
		return nil, err
	}
	loaderPath, err := a.require("loader")
	if err != nil {
		return nil, err
	}
	loader, err := os.ReadFile(loaderPath)
	if err != nil {
		return nil, err
	}

	espFiles, err := collectNamedFiles(a, map[string]string{
		"kernel":    "kernel-x86_64",
		"ramdisk":   "ramdisk",
		"boot-json": "boot.json",
	}, []string{"kernel"})
	if err != nil {
		return nil, err
	}

	image, err := buildUEFIDisk(loader, espFiles)
	if err != nil {
		return nil, err
	}
	if err := writeDiskImage(out, image); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%s)\n", out, humanize.Bytes(uint64(len(image))))
	return image, nil
}

// collectNamedFiles reads each flag in flagToName that's present in a
// (erroring if one of required is missing) and returns it as a fatFile
// under the name stage 2 (or the UEFI loader) looks it up by.
func collectNamedFiles(a commandArgs, flagToName map[string]string, required []string) ([]fatFile, error) {
	for _, name := range required {
		if _, err := a.require(name); err != nil {
			return nil, err
		}
	}
	var files []fatFile
	for flag, name := range flagToName {
		path, ok := a[flag]
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, fatFile{Path: name, Data: data})
	}
	return files, nil
}

// writeDiskImage ftruncates out to image's final size and mmaps it for a
// single bulk copy, rather than a buffered os.WriteFile: the same
// in-place, no-extra-copy technique magiskboot's patch.go uses when it
// rewrites a boot image through an mmap.MMap rather than reading the
// whole file into a second buffer first.
func writeDiskImage(path string, image []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Ftruncate(int(f.Fd()), int64(len(image))); err != nil {
		return fmt.Errorf("truncating %s to %d bytes: %w", path, len(image), err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", path, err)
	}
	copy(m, image)
	if err := m.Flush(); err != nil {
		m.Unmap()
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return m.Unmap()
}

// Package bootkernel provides the error type shared by every stage of the
// boot path. Errors are represented as pointers to a plain struct instead of
// values created with errors.New/fmt.Errorf: several packages in this
// module run before any allocator is available (bootstrapping the frame
// allocator itself, for instance), and a *Error can always be constructed as
// a package-level variable.
package bootkernel

// Error describes an unrecoverable condition encountered while preparing
// the machine for the kernel hand-off. Every Error is expected to be fatal:
// per the boot path's error-handling design, no error is ever propagated to
// the kernel — the caller either halts or retries with different inputs.
type Error struct {
	// Stage identifies the component that raised the error, e.g.
	// "pmm", "vmm", "kernelelf", "bios.stage2".
	Stage string

	// Message is a short, human-readable description of the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Stage + ": " + e.Message
}

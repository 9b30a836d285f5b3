package diagio

import (
	"bootloader/internal/bootkernel"
	"bootloader/internal/cpu"
)

var (
	// haltFn is swapped out by tests so Panic can be exercised without
	// actually halting the test process.
	haltFn = cpu.Halt

	errUnknownPanic = &bootkernel.Error{Stage: "rt", Message: "unknown cause"}
)

// Panic prints e and halts. Per the hand-off contract, no error ever
// reaches the kernel: every unrecoverable condition along the boot path
// funnels through here. Panic never returns.
func Panic(e interface{}) {
	var err *bootkernel.Error

	switch t := e.(type) {
	case *bootkernel.Error:
		err = t
	case error:
		errUnknownPanic.Message = t.Error()
		err = errUnknownPanic
	case string:
		errUnknownPanic.Message = t
		err = errUnknownPanic
	default:
		err = errUnknownPanic
	}

	Printf("\n-----------------------------------\n")
	Printf("[%s] unrecoverable error: %s\n", err.Stage, err.Message)
	Printf("*** boot halted ***\n")
	Printf("-----------------------------------\n")

	haltFn()
}

//go:build baremetal && amd64

package kmain

import (
	"lambdaos/kernel"
	"lambdaos/kernel/cpu"
	"lambdaos/kernel/kfmt"
	"lambdaos/multiboot"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	hw := cpu.Native{}
	AttachConsole(hw)

	info, err := multiboot.NewInfo(multibootInfoPtr, multiboot.IdentityPhysToPtr)
	if err != nil {
		kfmt.Panic(err)
	}

	Boot(hw, info)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

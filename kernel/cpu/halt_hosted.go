//go:build !baremetal

package cpu

import "lambdaos/kernel"

var errHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

// Halt stops instruction execution. Hosted builds cannot stop the processor
// so Halt unwinds the calling goroutine instead.
func Halt() {
	panic(errHalted)
}

package emu

import "fmt"

// Page fault error code bits as pushed by the processor.
const (
	FaultProtection  uint64 = 1 << 0
	FaultWrite       uint64 = 1 << 1
	FaultUser        uint64 = 1 << 2
	FaultReservedBit uint64 = 1 << 3
	FaultInstruction uint64 = 1 << 4
)

// PageFault is raised when an address cannot be translated. Address holds the
// faulting virtual address (what CR2 would contain) and Code the error code.
type PageFault struct {
	Address uintptr
	Code    uint64

	// Level is the paging level (4 to 1) where the walk stopped.
	Level int

	// OutsideRAM is set when a table entry or the final translation points
	// past the end of installed memory.
	OutsideRAM bool

	// NonCanonical is set when the address has bits 48-63 different from
	// bit 47. The processor raises a general protection fault for these.
	NonCanonical bool
}

// Reason describes the fault the way the kernel fault handler reports it.
func (f *PageFault) Reason() string {
	switch {
	case f.NonCanonical:
		return "non-canonical address"
	case f.OutsideRAM:
		return "physical address outside installed memory"
	}

	switch f.Code {
	case 0:
		return "read from non-present page"
	case FaultProtection:
		return "page protection violation (read)"
	case FaultWrite:
		return "write to non-present page"
	case FaultProtection | FaultWrite:
		return "page protection violation (write)"
	case FaultUser:
		return "page-fault in user-mode"
	case FaultReservedBit:
		return "page table has reserved bit set"
	case FaultInstruction:
		return "instruction fetch"
	default:
		return "unknown"
	}
}

// Error implements error.
func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault while accessing address 0x%016x (level %d): %s", f.Address, f.Level, f.Reason())
}

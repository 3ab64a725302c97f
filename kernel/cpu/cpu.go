// Package cpu exposes the processor primitives used by the memory subsystem.
package cpu

import "unsafe"

// MMU describes the paging unit of an x86_64 processor. The kernel talks to
// the paging hardware exclusively through this interface so that the page
// table code can run either on the real CPU or on an emulated one.
type MMU interface {
	// ActivePDT returns the physical address of the active top-level page
	// table (the contents of CR3).
	ActivePDT() uintptr

	// SwitchPDT loads the physical address of a top-level page table into
	// CR3. This implicitly flushes all non-global TLB entries.
	SwitchPDT(pdtPhysAddr uintptr)

	// FlushTLBEntry invalidates the TLB entry for a single virtual address.
	FlushTLBEntry(virtAddr uintptr)

	// FlushTLB invalidates all non-global TLB entries.
	FlushTLB()

	// VirtToPtr returns a pointer through which the kernel can access the
	// memory at virtAddr using the current address translation. Accessing
	// an unmapped address raises a page fault.
	VirtToPtr(virtAddr uintptr) unsafe.Pointer
}

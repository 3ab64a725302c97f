//go:build baremetal && amd64

package cpu

import "unsafe"

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB reloads CR3 which flushes all non-global TLB entries.
func FlushTLB()

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// Native is the MMU of the processor the kernel is running on.
type Native struct{}

// ActivePDT implements MMU.
func (Native) ActivePDT() uintptr { return ActivePDT() }

// SwitchPDT implements MMU.
func (Native) SwitchPDT(pdtPhysAddr uintptr) { SwitchPDT(pdtPhysAddr) }

// FlushTLBEntry implements MMU.
func (Native) FlushTLBEntry(virtAddr uintptr) { FlushTLBEntry(virtAddr) }

// FlushTLB implements MMU.
func (Native) FlushTLB() { FlushTLB() }

// VirtToPtr implements MMU. The kernel runs in the address space it manages
// so virtual addresses are used as-is.
func (Native) VirtToPtr(virtAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(virtAddr) //nolint:govet
}

package vmm

import (
	"lambdaos/kernel"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
	"lambdaos/multiboot"
)

var (
	errFrameOutOfRange = &kernel.Error{Module: "vmm", Message: "frame address does not fit in a page table entry"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. An entry equal to zero is
// unused.
type pageTableEntry uintptr

// IsUnused returns true if the entry holds neither a frame nor flags.
func (pte pageTableEntry) IsUnused() bool {
	return pte == 0
}

// SetUnused clears the entry.
func (pte *pageTableEntry) SetUnused() {
	*pte = 0
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(mem.PhysicalAddress(uintptr(pte) & ptePhysPageMask))
}

// PointedFrame returns the frame of a present entry.
func (pte pageTableEntry) PointedFrame() (pmm.Frame, bool) {
	if !pte.HasFlags(FlagPresent) {
		return pmm.InvalidFrame, false
	}
	return pte.Frame(), true
}

// Set points the entry to frame and replaces its flags.
func (pte *pageTableEntry) Set(frame pmm.Frame, flags PageTableEntryFlag) {
	addr := uintptr(frame.Address())
	if addr&^ptePhysPageMask != 0 {
		kfmt.Printf("[vmm] frame 0x%x cannot be stored in a page table entry\n", uintptr(frame))
		panic(errFrameOutOfRange)
	}

	*pte = pageTableEntry(addr | (uintptr(flags) &^ ptePhysPageMask))
}

// FlagsFromElfSection returns the page flags for mapping a kernel image
// section: loaded sections are present, writable sections are RW and
// sections without the executable flag are marked no-execute.
func FlagsFromElfSection(flags multiboot.ElfSectionFlag) PageTableEntryFlag {
	var pteFlags PageTableEntryFlag

	if flags&multiboot.ElfSectionAllocated != 0 {
		pteFlags |= FlagPresent
	}
	if flags&multiboot.ElfSectionWritable != 0 {
		pteFlags |= FlagRW
	}
	if flags&multiboot.ElfSectionExecutable == 0 {
		pteFlags |= FlagNoExecute
	}

	return pteFlags
}

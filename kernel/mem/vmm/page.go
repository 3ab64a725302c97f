package vmm

import (
	"lambdaos/kernel"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
)

var (
	errNonCanonicalAddress = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}
)

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte in this page.
func (p Page) Address() mem.VirtualAddress {
	return mem.VirtualAddress(p << mem.PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Unaligned addresses are rounded down to the page that contains them.
// Non-canonical addresses do not belong to any page.
func PageFromAddress(virtAddr mem.VirtualAddress) Page {
	if !virtAddr.IsCanonical() {
		kfmt.Printf("[vmm] address 0x%16x is not canonical\n", uintptr(virtAddr))
		panic(errNonCanonicalAddress)
	}
	return Page(uintptr(virtAddr) >> mem.PageShift)
}

// P4Index returns the index of this page's entry in the P4 table.
func (p Page) P4Index() uint {
	return uint(p>>27) & levelIndexMask
}

// P3Index returns the index of this page's entry in the P3 table.
func (p Page) P3Index() uint {
	return uint(p>>18) & levelIndexMask
}

// P2Index returns the index of this page's entry in the P2 table.
func (p Page) P2Index() uint {
	return uint(p>>9) & levelIndexMask
}

// P1Index returns the index of this page's entry in the P1 table.
func (p Page) P1Index() uint {
	return uint(p) & levelIndexMask
}

// PageRange describes a contiguous run of pages. Both ends are inclusive.
type PageRange struct {
	First Page
	Last  Page
}

// Count returns the number of pages in the range.
func (r PageRange) Count() uint64 {
	if r.Last < r.First {
		return 0
	}
	return uint64(r.Last-r.First) + 1
}

// Contains returns true if p lies within the range.
func (r PageRange) Contains(p Page) bool {
	return p >= r.First && p <= r.Last
}

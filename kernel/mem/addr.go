package mem

const (
	// canonicalLowerEnd is the first address above the lower canonical half.
	canonicalLowerEnd = VirtualAddress(0x0000_8000_0000_0000)

	// canonicalUpperStart is the first address of the upper canonical half.
	canonicalUpperStart = VirtualAddress(0xffff_8000_0000_0000)
)

// PhysicalAddress is an address in the physical address space.
type PhysicalAddress uintptr

// VirtualAddress is an address in the virtual address space seen through the
// active page table hierarchy.
type VirtualAddress uintptr

// PageOffset returns the offset of the address inside its 4K frame.
func (a PhysicalAddress) PageOffset() uintptr {
	return uintptr(a) & uintptr(PageSize-1)
}

// IsCanonical returns true if bits 48-63 of the address are copies of bit 47.
// Only canonical addresses can be translated by the MMU.
func (a VirtualAddress) IsCanonical() bool {
	return a < canonicalLowerEnd || a >= canonicalUpperStart
}

// PageOffset returns the offset of the address inside its 4K page.
func (a VirtualAddress) PageOffset() uintptr {
	return uintptr(a) & uintptr(PageSize-1)
}

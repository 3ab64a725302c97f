package vmm

const (
	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// recursiveIndex is the P4 entry that points back to the P4 itself.
	recursiveIndex = 511

	// p4VirtAddr is the virtual address of the active P4 table. With all
	// four table indices set to recursiveIndex the MMU keeps following the
	// last P4 entry and lands on the P4.
	p4VirtAddr = uintptr(0xfffffffffffff000)

	// levelIndexBits is the number of virtual address bits consumed by each
	// page level.
	levelIndexBits = 9
	levelIndexMask = (1 << levelIndexBits) - 1

	// hugePage2MFrames and hugePage1GFrames are the number of 4K frames
	// covered by a P2 and a P3 huge page respectively.
	hugePage2MFrames = 1 << levelIndexBits
	hugePage1GFrames = 1 << (2 * levelIndexBits)

	// tempPageNumber is the page reserved for short-lived mappings of
	// page table frames that are not reachable through the recursive
	// mapping.
	tempPageNumber = Page(0xcafebabe)

	// vgaTextBufferAddr is the physical address of the VGA text buffer.
	vgaTextBufferAddr = 0xb8000
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set at P3 (1G pages) or P2 (2M pages) level when the
	// entry maps memory directly instead of pointing to the next table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

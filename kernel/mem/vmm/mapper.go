package vmm

import (
	"lambdaos/kernel"
	"lambdaos/kernel/cpu"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errAlreadyMapped      = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errNotMapped          = &kernel.Error{Module: "vmm", Message: "page is not mapped"}
	errHugePageUnmap      = &kernel.Error{Module: "vmm", Message: "cannot unmap a page that belongs to a huge page"}
	errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page frame is not aligned to the huge page size"}
)

// Mapper manipulates the page table hierarchy that is reachable through the
// recursive slot of the active P4.
type Mapper struct {
	mmu cpu.MMU
}

// P4 returns the top-level table.
func (m *Mapper) P4() Table4 {
	return Table4{table{mmu: m.mmu, addr: tableAddr()}}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr mem.VirtualAddress) (mem.PhysicalAddress, *kernel.Error) {
	if !virtAddr.IsCanonical() {
		return 0, ErrInvalidMapping
	}

	frame, err := m.TranslatePage(PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return frame.Address() + mem.PhysicalAddress(virtAddr.PageOffset()), nil
}

// TranslatePage returns the frame that page is mapped to. Pages that are
// part of a huge page resolve to the matching 4K frame inside it.
func (m *Mapper) TranslatePage(page Page) (pmm.Frame, *kernel.Error) {
	p3, ok := m.P4().NextTable(page.P4Index())
	if !ok {
		return pmm.InvalidFrame, ErrInvalidMapping
	}

	if entry := p3.Entry(page.P3Index()); entry.HasFlags(FlagPresent | FlagHugePage) {
		start := entry.Frame()
		checkHugeAlignment(start, hugePage1GFrames)
		return start + pmm.Frame(page.P2Index()*mem.EntriesPerTable+page.P1Index()), nil
	}

	p2, ok := p3.NextTable(page.P3Index())
	if !ok {
		return pmm.InvalidFrame, ErrInvalidMapping
	}

	if entry := p2.Entry(page.P2Index()); entry.HasFlags(FlagPresent | FlagHugePage) {
		start := entry.Frame()
		checkHugeAlignment(start, hugePage2MFrames)
		return start + pmm.Frame(page.P1Index()), nil
	}

	p1, ok := p2.NextTable(page.P2Index())
	if !ok {
		return pmm.InvalidFrame, ErrInvalidMapping
	}

	frame, ok := p1.Entry(page.P1Index()).PointedFrame()
	if !ok {
		return pmm.InvalidFrame, ErrInvalidMapping
	}
	return frame, nil
}

func checkHugeAlignment(start pmm.Frame, frames uintptr) {
	if uintptr(start)%frames != 0 {
		kfmt.Printf("[vmm] huge page at frame 0x%x is not aligned to %d frames\n", uintptr(start), frames)
		panic(errMisalignedHugePage)
	}
}

// MapTo establishes a mapping between page and frame. Missing intermediate
// tables are allocated using alloc. Mapping a page that is already in use
// is a fatal error.
func (m *Mapper) MapTo(page Page, frame pmm.Frame, flags PageTableEntryFlag, alloc pmm.FrameAllocator) *kernel.Error {
	p1, err := m.createP1(page, alloc)
	if err != nil {
		return err
	}

	entry := p1.Entry(page.P1Index())
	if !entry.IsUnused() {
		kfmt.Printf("[vmm] page 0x%16x is already mapped to frame 0x%x\n", uintptr(page.Address()), uintptr(entry.Frame()))
		panic(errAlreadyMapped)
	}

	entry.Set(frame, flags|FlagPresent)
	m.mmu.FlushTLBEntry(uintptr(page.Address()))
	return nil
}

// Map maps page to a newly allocated frame.
func (m *Mapper) Map(page Page, flags PageTableEntryFlag, alloc pmm.FrameAllocator) *kernel.Error {
	frame, err := pmm.AllocFrame(alloc)
	if err != nil {
		return err
	}
	return m.MapTo(page, frame, flags, alloc)
}

// IdentityMap maps frame to the page with the same address.
func (m *Mapper) IdentityMap(frame pmm.Frame, flags PageTableEntryFlag, alloc pmm.FrameAllocator) *kernel.Error {
	return m.MapTo(PageFromAddress(mem.VirtualAddress(frame.Address())), frame, flags, alloc)
}

// IdentityMapRange identity maps every frame in frames.
func (m *Mapper) IdentityMapRange(frames pmm.FrameRange, flags PageTableEntryFlag, alloc pmm.FrameAllocator) *kernel.Error {
	for frame := frames.First; frames.Contains(frame); frame++ {
		if err := m.IdentityMap(frame, flags, alloc); err != nil {
			return err
		}
	}
	return nil
}

// MapHuge2M installs a 2M mapping at the P2 level. Both page and frame must
// be aligned to a 2M boundary.
func (m *Mapper) MapHuge2M(page Page, frame pmm.Frame, flags PageTableEntryFlag, alloc pmm.FrameAllocator) *kernel.Error {
	if uintptr(page)%hugePage2MFrames != 0 {
		kfmt.Printf("[vmm] page 0x%16x is not aligned to 2M\n", uintptr(page.Address()))
		panic(errMisalignedHugePage)
	}
	checkHugeAlignment(frame, hugePage2MFrames)

	p3, err := m.P4().NextTableCreate(page.P4Index(), alloc)
	if err != nil {
		return err
	}
	p2, err := p3.NextTableCreate(page.P3Index(), alloc)
	if err != nil {
		return err
	}

	entry := p2.Entry(page.P2Index())
	if !entry.IsUnused() {
		kfmt.Printf("[vmm] page 0x%16x is already mapped\n", uintptr(page.Address()))
		panic(errAlreadyMapped)
	}

	entry.Set(frame, flags|FlagPresent|FlagHugePage)
	m.mmu.FlushTLBEntry(uintptr(page.Address()))
	return nil
}

// Unmap removes the mapping for page. If alloc is able to take frames back
// the frame that was mapped to the page is released to it. Page tables
// are never released. Unmapping a page that is not mapped is a fatal error.
func (m *Mapper) Unmap(page Page, alloc pmm.FrameAllocator) {
	m.unmap(page, alloc, true)
}

func (m *Mapper) unmap(page Page, alloc pmm.FrameAllocator, release bool) {
	p1, err := m.lookupP1(page)
	if err != nil {
		kfmt.Printf("[vmm] cannot unmap page 0x%16x\n", uintptr(page.Address()))
		panic(err)
	}

	entry := p1.Entry(page.P1Index())
	frame, ok := entry.PointedFrame()
	if !ok {
		kfmt.Printf("[vmm] cannot unmap page 0x%16x\n", uintptr(page.Address()))
		panic(errNotMapped)
	}

	entry.SetUnused()
	m.mmu.FlushTLBEntry(uintptr(page.Address()))

	if release {
		pmm.ReleaseFrame(alloc, frame)
	}
}

func (m *Mapper) createP1(page Page, alloc pmm.FrameAllocator) (Table1, *kernel.Error) {
	p3, err := m.P4().NextTableCreate(page.P4Index(), alloc)
	if err != nil {
		return Table1{}, err
	}
	p2, err := p3.NextTableCreate(page.P3Index(), alloc)
	if err != nil {
		return Table1{}, err
	}
	return p2.NextTableCreate(page.P2Index(), alloc)
}

// lookupP1 returns the P1 table covering page without creating anything.
func (m *Mapper) lookupP1(page Page) (Table1, *kernel.Error) {
	p3, ok := m.P4().NextTable(page.P4Index())
	if !ok {
		return Table1{}, errNotMapped
	}
	if p3.Entry(page.P3Index()).HasFlags(FlagPresent | FlagHugePage) {
		return Table1{}, errHugePageUnmap
	}

	p2, ok := p3.NextTable(page.P3Index())
	if !ok {
		return Table1{}, errNotMapped
	}
	if p2.Entry(page.P2Index()).HasFlags(FlagPresent | FlagHugePage) {
		return Table1{}, errHugePageUnmap
	}

	p1, ok := p2.NextTable(page.P2Index())
	if !ok {
		return Table1{}, errNotMapped
	}
	return p1, nil
}

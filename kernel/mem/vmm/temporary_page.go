package vmm

import (
	"lambdaos/kernel"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
)

var (
	errTemporaryPageInUse = &kernel.Error{Module: "vmm", Message: "temporary page is already mapped"}
)

// TemporaryPage is a reserved virtual page used for short-lived RW mappings
// of frames that are not otherwise reachable, such as the P4 of an inactive
// table.
type TemporaryPage struct {
	page Page
}

// NewTemporaryPage returns a TemporaryPage that maps frames at page.
func NewTemporaryPage(page Page) *TemporaryPage {
	return &TemporaryPage{page: page}
}

// DefaultTemporaryPage returns the TemporaryPage used by the kernel.
func DefaultTemporaryPage() *TemporaryPage {
	return NewTemporaryPage(tempPageNumber)
}

// Page returns the virtual page reserved for temporary mappings.
func (tp *TemporaryPage) Page() Page {
	return tp.page
}

// Map maps frame as RW at the temporary page of the active table and returns
// its virtual address.
func (tp *TemporaryPage) Map(frame pmm.Frame, active *ActivePageTable, alloc pmm.FrameAllocator) (mem.VirtualAddress, *kernel.Error) {
	if _, err := active.TranslatePage(tp.page); err == nil {
		kfmt.Printf("[vmm] temporary page 0x%16x is in use\n", uintptr(tp.page.Address()))
		panic(errTemporaryPageInUse)
	}

	if err := active.MapTo(tp.page, frame, FlagRW, alloc); err != nil {
		return 0, err
	}
	return tp.page.Address(), nil
}

// MapTable maps frame at the temporary page and returns a view of it as a
// page table.
func (tp *TemporaryPage) MapTable(frame pmm.Frame, active *ActivePageTable, alloc pmm.FrameAllocator) (Table1, *kernel.Error) {
	addr, err := tp.Map(frame, active, alloc)
	if err != nil {
		return Table1{}, err
	}
	return Table1{table{mmu: active.mmu, addr: uintptr(addr)}}, nil
}

// Unmap removes the temporary mapping. The mapped frame is not released.
func (tp *TemporaryPage) Unmap(active *ActivePageTable) {
	active.unmap(tp.page, nil, false)
}

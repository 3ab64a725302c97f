package vmm

import (
	"lambdaos/kernel"
	"lambdaos/kernel/cpu"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
)

var (
	errHugePageWalk = &kernel.Error{Module: "vmm", Message: "cannot walk into a huge page mapping"}
)

// tableAddr returns the virtual address under which the page table reached
// by following indices from the P4 is visible through the recursive P4 slot.
// Calling it with no indices returns the P4 address.
func tableAddr(indices ...uint) uintptr {
	addr := p4VirtAddr
	for _, index := range indices {
		addr = (addr << levelIndexBits) | (uintptr(index) << mem.PageShift)
	}
	return addr
}

// table is a page table accessed through its recursive virtual address.
type table struct {
	mmu  cpu.MMU
	addr uintptr
}

func (t table) entries() *[mem.EntriesPerTable]pageTableEntry {
	return (*[mem.EntriesPerTable]pageTableEntry)(t.mmu.VirtToPtr(t.addr))
}

// Entry returns a pointer to the entry at index.
func (t table) Entry(index uint) *pageTableEntry {
	return &t.entries()[index]
}

// Zero marks all table entries as unused.
func (t table) Zero() {
	mem.Memset(t.mmu.VirtToPtr(t.addr), 0, mem.PageSize)
}

// nextTableAddr returns the address of the child table referenced by the
// entry at index. Huge and non-present entries have no child table.
func (t table) nextTableAddr(index uint) (uintptr, bool) {
	entry := t.Entry(index)
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return 0, false
	}
	return (t.addr << levelIndexBits) | (uintptr(index) << mem.PageShift), true
}

// nextTableCreate works like nextTableAddr but allocates and clears a new
// child table when the entry is not present.
func (t table) nextTableCreate(index uint, alloc pmm.FrameAllocator) (uintptr, *kernel.Error) {
	if addr, ok := t.nextTableAddr(index); ok {
		return addr, nil
	}

	entry := t.Entry(index)
	if entry.HasFlags(FlagPresent | FlagHugePage) {
		kfmt.Printf("[vmm] entry %d of table at 0x%16x maps a huge page\n", index, t.addr)
		panic(errHugePageWalk)
	}

	frame, err := pmm.AllocFrame(alloc)
	if err != nil {
		return 0, err
	}
	entry.Set(frame, FlagPresent|FlagRW)

	addr, _ := t.nextTableAddr(index)
	table{mmu: t.mmu, addr: addr}.Zero()
	return addr, nil
}

// Table4 is the top-level page table (PML4).
type Table4 struct{ table }

// Table3 is a page directory pointer table.
type Table3 struct{ table }

// Table2 is a page directory.
type Table2 struct{ table }

// Table1 is the last level page table. Its entries map 4K frames and it has
// no child tables.
type Table1 struct{ table }

// NextTable returns the P3 table referenced by the entry at index.
func (t Table4) NextTable(index uint) (Table3, bool) {
	addr, ok := t.nextTableAddr(index)
	return Table3{table{mmu: t.mmu, addr: addr}}, ok
}

// NextTableCreate returns the P3 table referenced by the entry at index,
// allocating it if needed.
func (t Table4) NextTableCreate(index uint, alloc pmm.FrameAllocator) (Table3, *kernel.Error) {
	addr, err := t.nextTableCreate(index, alloc)
	return Table3{table{mmu: t.mmu, addr: addr}}, err
}

// NextTable returns the P2 table referenced by the entry at index.
func (t Table3) NextTable(index uint) (Table2, bool) {
	addr, ok := t.nextTableAddr(index)
	return Table2{table{mmu: t.mmu, addr: addr}}, ok
}

// NextTableCreate returns the P2 table referenced by the entry at index,
// allocating it if needed.
func (t Table3) NextTableCreate(index uint, alloc pmm.FrameAllocator) (Table2, *kernel.Error) {
	addr, err := t.nextTableCreate(index, alloc)
	return Table2{table{mmu: t.mmu, addr: addr}}, err
}

// NextTable returns the P1 table referenced by the entry at index.
func (t Table2) NextTable(index uint) (Table1, bool) {
	addr, ok := t.nextTableAddr(index)
	return Table1{table{mmu: t.mmu, addr: addr}}, ok
}

// NextTableCreate returns the P1 table referenced by the entry at index,
// allocating it if needed.
func (t Table2) NextTableCreate(index uint, alloc pmm.FrameAllocator) (Table1, *kernel.Error) {
	addr, err := t.nextTableCreate(index, alloc)
	return Table1{table{mmu: t.mmu, addr: addr}}, err
}

package vmm

import (
	"lambdaos/kernel"
	"lambdaos/kernel/cpu"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
	"lambdaos/kernel/sync"
)

var (
	errNestedInactiveAccess = &kernel.Error{Module: "vmm", Message: "inactive page table is already being accessed"}
)

// InactivePageTable is a page table hierarchy that is not loaded in CR3.
// Its P4 maps itself through the recursive slot so it can later be
// activated.
type InactivePageTable struct {
	frame pmm.Frame
}

// NewInactivePageTable turns frame into an empty P4 whose last entry points
// back to frame.
func NewInactivePageTable(frame pmm.Frame, active *ActivePageTable, tmp *TemporaryPage, alloc pmm.FrameAllocator) (InactivePageTable, *kernel.Error) {
	p4, err := tmp.MapTable(frame, active, alloc)
	if err != nil {
		return InactivePageTable{}, err
	}

	p4.Zero()
	p4.Entry(recursiveIndex).Set(frame, FlagPresent|FlagRW)
	tmp.Unmap(active)

	return InactivePageTable{frame: frame}, nil
}

// Frame returns the frame that holds the P4 of the table.
func (t InactivePageTable) Frame() pmm.Frame {
	return t.frame
}

// ActivePageTable is the page table hierarchy currently loaded in CR3.
type ActivePageTable struct {
	Mapper

	// accessLock is held while an inactive table is reachable through the
	// recursive slot.
	accessLock sync.Spinlock
}

// NewActivePageTable returns the page table hierarchy that mmu is using.
// The hierarchy must already contain the recursive mapping.
func NewActivePageTable(mmu cpu.MMU) *ActivePageTable {
	return &ActivePageTable{Mapper: Mapper{mmu: mmu}}
}

// Address returns the physical address of the active P4.
func (a *ActivePageTable) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(a.mmu.ActivePDT())
}

// Flush invalidates the cached translation for page.
func (a *ActivePageTable) Flush(page Page) {
	a.mmu.FlushTLBEntry(uintptr(page.Address()))
}

// FlushAll invalidates all cached non-global translations.
func (a *ActivePageTable) FlushAll() {
	a.mmu.FlushTLB()
}

// With points the recursive slot to the inactive table and invokes fn with
// a Mapper that edits it. The active hierarchy is restored when fn returns
// or panics. Calls to With cannot be nested.
func (a *ActivePageTable) With(inactive InactivePageTable, tmp *TemporaryPage, alloc pmm.FrameAllocator, fn func(*Mapper) *kernel.Error) *kernel.Error {
	access, err := a.beginInactiveAccess(inactive, tmp, alloc)
	if err != nil {
		return err
	}
	defer access.end()

	return fn(&a.Mapper)
}

// Switch loads table into CR3 and returns the previously active table.
func (a *ActivePageTable) Switch(table InactivePageTable) InactivePageTable {
	old := InactivePageTable{frame: pmm.FrameFromAddress(a.Address())}
	a.mmu.SwitchPDT(uintptr(table.frame.Address()))
	return old
}

// inactiveAccess tracks an inactive table that is reachable through the
// recursive slot of the active P4.
type inactiveAccess struct {
	active      *ActivePageTable
	tmp         *TemporaryPage
	backup      Table1
	backupFrame pmm.Frame
}

func (a *ActivePageTable) beginInactiveAccess(inactive InactivePageTable, tmp *TemporaryPage, alloc pmm.FrameAllocator) (*inactiveAccess, *kernel.Error) {
	if !a.accessLock.TryToAcquire() {
		kfmt.Printf("[vmm] nested access to inactive table at frame 0x%x\n", uintptr(inactive.frame))
		panic(errNestedInactiveAccess)
	}

	// The active P4 stays reachable through the temporary page so its
	// recursive slot can be restored.
	backupFrame := pmm.FrameFromAddress(a.Address())
	backup, err := tmp.MapTable(backupFrame, a, alloc)
	if err != nil {
		a.accessLock.Release()
		return nil, err
	}

	a.P4().Entry(recursiveIndex).Set(inactive.frame, FlagPresent|FlagRW)
	a.FlushAll()

	return &inactiveAccess{
		active:      a,
		tmp:         tmp,
		backup:      backup,
		backupFrame: backupFrame,
	}, nil
}

func (ia *inactiveAccess) end() {
	ia.backup.Entry(recursiveIndex).Set(ia.backupFrame, FlagPresent|FlagRW)
	ia.active.FlushAll()
	ia.tmp.Unmap(ia.active)
	ia.active.accessLock.Release()
}

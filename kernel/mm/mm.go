// Package mm assembles the physical and virtual memory managers into the
// memory controller used by the rest of the kernel.
package mm

import (
	"sync/atomic"

	"lambdaos/kernel"
	"lambdaos/kernel/cpu"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
	"lambdaos/kernel/mem/pmm/allocator"
	"lambdaos/kernel/mem/vmm"
	"lambdaos/kernel/sync"
	"lambdaos/multiboot"
)

const (
	// HeapStart is the virtual address of the kernel heap.
	HeapStart = mem.VirtualAddress(0x40000000)

	// HeapSize is the size of the kernel heap.
	HeapSize = 100 * mem.Kb
)

var (
	errAlreadyInitialized = &kernel.Error{Module: "mm", Message: "memory controller is already initialized"}
	errNoKernelSections   = &kernel.Error{Module: "mm", Message: "boot record lists no loaded kernel sections"}

	initialized atomic.Bool
)

// Controller owns the frame allocator, the active page table and the stack
// allocator. Each of them is guarded by its own lock. Operations that need
// more than one take them in stack, table, frame order.
type Controller struct {
	stackLock sync.Spinlock
	stacks    *vmm.StackAllocator

	tableLock sync.Spinlock
	tables    *vmm.ActivePageTable

	frameLock sync.Spinlock
	frames    *allocator.FreeListAllocator

	heap  vmm.PageRange
	guard vmm.Page
}

// Init builds the frame allocator from the boot memory map, remaps the
// kernel, maps the heap and reserves the stack region. Init can only be
// called once.
func Init(hw cpu.MMU, info *multiboot.Info, cfg Config) (*Controller, *kernel.Error) {
	if !initialized.CompareAndSwap(false, true) {
		kfmt.Printf("[mm] Init called twice\n")
		panic(errAlreadyInitialized)
	}

	kernelStart, kernelEnd, err := kernelBounds(info)
	if err != nil {
		return nil, err
	}

	var memMap []multiboot.MemoryMapEntry
	info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		memMap = append(memMap, *entry)
		return true
	})

	area := allocator.NewAreaFrameAllocator(
		memMap,
		kernelStart, kernelEnd,
		mem.PhysicalAddress(info.StartAddress()), mem.PhysicalAddress(info.EndAddress()),
	)
	if cfg.Verbose {
		area.PrintMemoryMap()
	}

	tables, guard, err := vmm.RemapKernel(hw, area, info)
	if err != nil {
		return nil, err
	}

	heap := vmm.PageRange{
		First: vmm.PageFromAddress(HeapStart),
		Last:  vmm.PageFromAddress(HeapStart + mem.VirtualAddress(HeapSize) - 1),
	}
	for page := heap.First; heap.Contains(page); page++ {
		if err = tables.Map(page, vmm.FlagRW|vmm.FlagNoExecute, area); err != nil {
			return nil, err
		}
	}

	stackRegion := vmm.PageRange{
		First: heap.Last + 1,
		Last:  heap.Last + vmm.Page(cfg.StackRegionPages),
	}

	kfmt.Printf("[mm] heap: 0x%16x - 0x%16x\n", uintptr(heap.First.Address()), uintptr((heap.Last + 1).Address()))
	kfmt.Printf("[mm] stacks: 0x%16x - 0x%16x\n", uintptr(stackRegion.First.Address()), uintptr((stackRegion.Last + 1).Address()))

	return &Controller{
		stacks: vmm.NewStackAllocator(stackRegion),
		tables: tables,
		frames: allocator.NewFreeListAllocator(area),
		heap:   heap,
		guard:  guard,
	}, nil
}

// kernelBounds returns the physical extent of the loaded kernel sections.
func kernelBounds(info *multiboot.Info) (mem.PhysicalAddress, mem.PhysicalAddress, *kernel.Error) {
	var (
		start, end mem.PhysicalAddress
		found      bool
	)

	info.VisitElfSections(func(_ string, flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if flags&multiboot.ElfSectionAllocated == 0 {
			return
		}

		secStart := mem.PhysicalAddress(address)
		secEnd := secStart + mem.PhysicalAddress(size)
		if !found || secStart < start {
			start = secStart
		}
		if !found || secEnd > end {
			end = secEnd
		}
		found = true
	})

	if !found {
		return 0, 0, errNoKernelSections
	}
	return start, end, nil
}

// AllocFrames reserves count contiguous physical frames.
func (c *Controller) AllocFrames(count uint) (pmm.Frame, *kernel.Error) {
	c.frameLock.Acquire()
	defer c.frameLock.Release()

	return c.frames.AllocFrames(count)
}

// FreeFrameCount returns the number of frames that can still be allocated.
func (c *Controller) FreeFrameCount() uint64 {
	c.frameLock.Acquire()
	defer c.frameLock.Release()

	return c.frames.FreeFrameCount()
}

// Map maps page to a newly allocated frame.
func (c *Controller) Map(page vmm.Page, flags vmm.PageTableEntryFlag) *kernel.Error {
	c.tableLock.Acquire()
	defer c.tableLock.Release()

	return c.tables.Map(page, flags, lockedFrames{c})
}

// MapTo maps page to frame. Unmap hands the frame to the frame allocator, so
// pages mapped to frames the caller keeps using must be removed with
// UnmapRetain instead.
func (c *Controller) MapTo(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	c.tableLock.Acquire()
	defer c.tableLock.Release()

	return c.tables.MapTo(page, frame, flags, lockedFrames{c})
}

// IdentityMap maps frame to the page with the same address. The same
// ownership rule as MapTo applies when the page is unmapped.
func (c *Controller) IdentityMap(frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	c.tableLock.Acquire()
	defer c.tableLock.Release()

	return c.tables.IdentityMap(frame, flags, lockedFrames{c})
}

// Unmap removes the mapping for page and releases its frame.
func (c *Controller) Unmap(page vmm.Page) {
	c.tableLock.Acquire()
	defer c.tableLock.Release()

	c.tables.Unmap(page, lockedFrames{c})
}

// UnmapRetain removes the mapping for page and leaves its frame with the
// caller.
func (c *Controller) UnmapRetain(page vmm.Page) {
	c.tableLock.Acquire()
	defer c.tableLock.Release()

	c.tables.Unmap(page, nil)
}

// Translate returns the physical address virtAddr is mapped to.
func (c *Controller) Translate(virtAddr mem.VirtualAddress) (mem.PhysicalAddress, *kernel.Error) {
	c.tableLock.Acquire()
	defer c.tableLock.Release()

	return c.tables.Translate(virtAddr)
}

// TranslatePage returns the frame page is mapped to.
func (c *Controller) TranslatePage(page vmm.Page) (pmm.Frame, *kernel.Error) {
	c.tableLock.Acquire()
	defer c.tableLock.Release()

	return c.tables.TranslatePage(page)
}

// AllocStack maps a guarded stack of the requested number of pages from the
// stack region.
func (c *Controller) AllocStack(pages uint) (vmm.Stack, *kernel.Error) {
	c.stackLock.Acquire()
	defer c.stackLock.Release()
	c.tableLock.Acquire()
	defer c.tableLock.Release()

	return c.stacks.AllocStack(&c.tables.Mapper, lockedFrames{c}, pages)
}

// HeapRegion returns the start address and size of the kernel heap.
func (c *Controller) HeapRegion() (mem.VirtualAddress, mem.Size) {
	return c.heap.First.Address(), mem.Size(c.heap.Count()) * mem.PageSize
}

// GuardPage returns the unmapped page that used to hold the boot P4.
func (c *Controller) GuardPage() vmm.Page {
	return c.guard
}

// lockedFrames gives the page table code access to the frame allocator of c
// while the table lock is held.
type lockedFrames struct {
	c *Controller
}

func (l lockedFrames) AllocFrames(count uint) (pmm.Frame, *kernel.Error) {
	return l.c.AllocFrames(count)
}

func (l lockedFrames) DeallocFrame(frame pmm.Frame) {
	l.c.frameLock.Acquire()
	defer l.c.frameLock.Release()

	l.c.frames.DeallocFrame(frame)
}

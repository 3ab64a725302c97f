package vmm

import (
	"lambdaos/kernel"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
)

var (
	// ErrNoStackAvailable is returned when the stack region cannot fit the
	// requested stack and its guard page.
	ErrNoStackAvailable = &kernel.Error{Module: "vmm", Message: "no room left for a stack of the requested size"}
)

// Stack is a mapped stack region. Stacks grow down from Top towards Bottom.
type Stack struct {
	Top    mem.VirtualAddress
	Bottom mem.VirtualAddress
}

// StackAllocator carves guarded stacks out of a range of unused pages.
type StackAllocator struct {
	pages PageRange
}

// NewStackAllocator returns an allocator that hands out stacks from pages.
func NewStackAllocator(pages PageRange) *StackAllocator {
	return &StackAllocator{pages: pages}
}

// Remaining returns the number of pages that have not been handed out.
func (s *StackAllocator) Remaining() uint64 {
	return s.pages.Count()
}

// AllocStack reserves an unmapped guard page followed by pages RW pages and
// returns the resulting stack. Stack frames come from alloc.
func (s *StackAllocator) AllocStack(m *Mapper, alloc pmm.FrameAllocator, pages uint) (Stack, *kernel.Error) {
	if pages == 0 || uint64(pages) >= s.pages.Count() {
		return Stack{}, ErrNoStackAvailable
	}

	var (
		guard = s.pages.First
		first = guard + 1
		last  = guard + Page(pages)
	)
	s.pages.First = last + 1

	for page := first; page <= last; page++ {
		if err := m.Map(page, FlagRW, alloc); err != nil {
			return Stack{}, err
		}
	}

	return Stack{
		Top:    (last + 1).Address(),
		Bottom: first.Address(),
	}, nil
}

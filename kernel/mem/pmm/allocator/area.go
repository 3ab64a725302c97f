// Package allocator contains the physical frame allocators used by the
// memory manager.
package allocator

import (
	"sort"

	"lambdaos/kernel"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
	"lambdaos/multiboot"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// AreaFrameAllocator hands out frames from the available memory regions
// reported by the boot loader, skipping the frames occupied by the kernel
// image and the boot information record.
//
// Allocations are tracked with a cursor that only moves forward. Frames are
// never reused and once a region is exhausted the allocator moves on to the
// region with the next higher start address.
type AreaFrameAllocator struct {
	// regions holds the available memory regions sorted by start frame.
	regions []pmm.FrameRange

	// current is the index of the region allocations are served from or
	// -1 once every region has been exhausted.
	current int

	// nextFree is the first frame that has not been handed out.
	nextFree pmm.Frame

	kernel   pmm.FrameRange
	bootInfo pmm.FrameRange
}

// NewAreaFrameAllocator creates an allocator for the available entries of
// the memory map. The kernel and boot information bounds are byte addresses
// where the end address is one past the last used byte.
//
// Reported region addresses may not be page-aligned; the start is rounded up
// and the end rounded down so only whole frames are handed out.
func NewAreaFrameAllocator(memMap []multiboot.MemoryMapEntry, kernelStart, kernelEnd, bootStart, bootEnd mem.PhysicalAddress) *AreaFrameAllocator {
	alloc := &AreaFrameAllocator{
		current:  -1,
		kernel:   exclusionRange(kernelStart, kernelEnd),
		bootInfo: exclusionRange(bootStart, bootEnd),
	}

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	for _, region := range memMap {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mem.PageSize) {
			continue
		}

		startFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		endFrame := pmm.Frame((region.PhysAddress+region.Length)>>mem.PageShift) - 1
		if endFrame < startFrame {
			continue
		}

		alloc.regions = append(alloc.regions, pmm.FrameRange{First: startFrame, Last: endFrame})
	}

	sort.Slice(alloc.regions, func(i, j int) bool {
		return alloc.regions[i].First < alloc.regions[j].First
	})

	alloc.chooseNextRegion()
	return alloc
}

// exclusionRange converts a [start, end) byte range into an inclusive frame
// range. An empty byte range yields an empty frame range.
func exclusionRange(start, end mem.PhysicalAddress) pmm.FrameRange {
	if end <= start {
		return pmm.FrameRange{First: 1, Last: 0}
	}
	return pmm.FrameRange{First: pmm.FrameFromAddress(start), Last: pmm.FrameFromAddress(end - 1)}
}

// chooseNextRegion selects the region with the smallest start frame that
// still has frames at or above the cursor.
func (alloc *AreaFrameAllocator) chooseNextRegion() {
	alloc.current = -1
	for index, region := range alloc.regions {
		if region.Last < alloc.nextFree {
			continue
		}

		alloc.current = index
		if alloc.nextFree < region.First {
			alloc.nextFree = region.First
		}
		return
	}
}

// AllocFrames reserves count contiguous frames and returns the first one.
func (alloc *AreaFrameAllocator) AllocFrames(count uint) (pmm.Frame, *kernel.Error) {
	if count == 0 {
		return pmm.InvalidFrame, errOutOfMemory
	}

	for alloc.current >= 0 {
		region := alloc.regions[alloc.current]
		candidate := pmm.FrameRange{First: alloc.nextFree, Last: alloc.nextFree + pmm.Frame(count-1)}

		switch {
		case candidate.First > region.Last || pmm.Frame(count-1) > region.Last-candidate.First:
			// Not enough frames left in this region. The cursor may
			// already be past the region end after skipping an
			// exclusion range; it must never move backwards.
			if alloc.nextFree <= region.Last {
				alloc.nextFree = region.Last + 1
			}
			alloc.chooseNextRegion()
		case candidate.Overlaps(alloc.kernel):
			alloc.nextFree = alloc.kernel.Last + 1
		case candidate.Overlaps(alloc.bootInfo):
			alloc.nextFree = alloc.bootInfo.Last + 1
		default:
			alloc.nextFree = candidate.Last + 1
			return candidate.First, nil
		}
	}

	return pmm.InvalidFrame, errOutOfMemory
}

// FreeFrameCount returns the number of frames at or above the cursor across
// all regions, not counting frames that belong to the kernel image.
func (alloc *AreaFrameAllocator) FreeFrameCount() uint64 {
	var count uint64

	for _, region := range alloc.regions {
		if region.Last < alloc.nextFree {
			continue
		}

		if region.First < alloc.nextFree {
			region.First = alloc.nextFree
		}

		count += region.Count()
		if region.Overlaps(alloc.kernel) {
			count -= clip(alloc.kernel, region).Count()
		}
	}

	return count
}

// Allocated returns true if frame belongs to an available region, lies below
// the cursor and is outside the exclusion ranges. Frames that fail this test
// were never handed out by the allocator.
func (alloc *AreaFrameAllocator) Allocated(frame pmm.Frame) bool {
	if frame >= alloc.nextFree || alloc.kernel.Contains(frame) || alloc.bootInfo.Contains(frame) {
		return false
	}

	for _, region := range alloc.regions {
		if region.Contains(frame) {
			return true
		}
	}

	return false
}

// clip returns the intersection of two overlapping ranges.
func clip(a, b pmm.FrameRange) pmm.FrameRange {
	if b.First > a.First {
		a.First = b.First
	}
	if b.Last < a.Last {
		a.Last = b.Last
	}
	return a
}

// PrintMemoryMap prints the regions the allocator serves frames from and the
// ranges it keeps out of circulation.
func (alloc *AreaFrameAllocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] available memory regions:\n")
	var total mem.Size
	for _, region := range alloc.regions {
		kfmt.Printf("\t[0x%10x - 0x%10x], frames: %d\n",
			uintptr(region.First.Address()),
			uintptr((region.Last + 1).Address()),
			region.Count(),
		)
		total += mem.Size(region.Count()) * mem.PageSize
	}

	printRange("kernel", alloc.kernel)
	printRange("boot info", alloc.bootInfo)
	kfmt.Printf("[pmm] usable memory: %dKb, free frames: %d\n", uint64(total/mem.Kb), alloc.FreeFrameCount())
}

func printRange(name string, r pmm.FrameRange) {
	if r.Empty() {
		kfmt.Printf("[pmm] %s: none\n", name)
		return
	}
	kfmt.Printf("[pmm] %s: [0x%10x - 0x%10x]\n", name, uintptr(r.First.Address()), uintptr((r.Last + 1).Address()))
}

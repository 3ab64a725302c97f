package allocator

import (
	"github.com/google/btree"

	"lambdaos/kernel"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem/pmm"
)

// freeListDegree is the btree degree used for the released frame set.
const freeListDegree = 16

var (
	errDoubleFree = &kernel.Error{Module: "pmm", Message: "frame released twice"}
)

// FreeListAllocator layers frame reuse on top of an AreaFrameAllocator.
// Released frames are kept in an ordered set and handed out again, lowest
// frame first, before the area allocator cursor is advanced.
//
// FreeListAllocator needs the Go allocator to grow its set so it can only be
// installed once the kernel heap is mapped.
type FreeListAllocator struct {
	area *AreaFrameAllocator
	free *btree.BTreeG[pmm.Frame]
}

// NewFreeListAllocator wraps area.
func NewFreeListAllocator(area *AreaFrameAllocator) *FreeListAllocator {
	return &FreeListAllocator{
		area: area,
		free: btree.NewG[pmm.Frame](freeListDegree, func(a, b pmm.Frame) bool { return a < b }),
	}
}

// AllocFrames reserves count contiguous frames. Released frames are used
// when the set contains a long enough run of consecutive frames; otherwise
// the request is passed to the area allocator.
func (alloc *FreeListAllocator) AllocFrames(count uint) (pmm.Frame, *kernel.Error) {
	if count == 0 {
		return pmm.InvalidFrame, errOutOfMemory
	}

	if first, found := alloc.findRun(count); found {
		for frame := first; frame < first+pmm.Frame(count); frame++ {
			alloc.free.Delete(frame)
		}
		return first, nil
	}

	return alloc.area.AllocFrames(count)
}

// findRun returns the first frame of the lowest run of count consecutive
// released frames.
func (alloc *FreeListAllocator) findRun(count uint) (pmm.Frame, bool) {
	var (
		runStart pmm.Frame
		runLen   uint
		prev     pmm.Frame
	)

	alloc.free.Ascend(func(frame pmm.Frame) bool {
		if runLen == 0 || frame != prev+1 {
			runStart, runLen = frame, 0
		}
		runLen++
		prev = frame
		return runLen < count
	})

	return runStart, runLen >= count
}

// DeallocFrame returns frame to the allocator. Frames the area allocator
// never handed out (device memory, the kernel image, the boot record) are
// ignored. Releasing a frame that is already free is an invariant violation.
func (alloc *FreeListAllocator) DeallocFrame(frame pmm.Frame) {
	if !alloc.area.Allocated(frame) {
		return
	}

	if _, exists := alloc.free.ReplaceOrInsert(frame); exists {
		kfmt.Printf("[pmm] frame 0x%x released twice\n", uintptr(frame.Address()))
		panic(errDoubleFree)
	}
}

// FreeFrameCount returns the number of frames that can still be allocated.
func (alloc *FreeListAllocator) FreeFrameCount() uint64 {
	return alloc.area.FreeFrameCount() + uint64(alloc.free.Len())
}

// ReleasedFrames returns the number of frames waiting in the free set.
func (alloc *FreeListAllocator) ReleasedFrames() int {
	return alloc.free.Len()
}

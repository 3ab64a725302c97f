package pmm

import "lambdaos/kernel"

// FrameAllocator is implemented by physical frame allocators. AllocFrames
// reserves count physically contiguous frames and returns the first one.
type FrameAllocator interface {
	AllocFrames(count uint) (Frame, *kernel.Error)
}

// FrameDeallocator is implemented by frame allocators that can take frames
// back. Code that releases frames type-asserts its FrameAllocator to this
// interface and keeps the frame when the assertion fails.
type FrameDeallocator interface {
	DeallocFrame(Frame)
}

// AllocFrame is a shorthand for reserving a single frame.
func AllocFrame(alloc FrameAllocator) (Frame, *kernel.Error) {
	return alloc.AllocFrames(1)
}

// ReleaseFrame hands frame back to alloc if alloc supports deallocation.
// It returns false if the frame was kept.
func ReleaseFrame(alloc FrameAllocator, frame Frame) bool {
	dealloc, ok := alloc.(FrameDeallocator)
	if !ok {
		return false
	}

	dealloc.DeallocFrame(frame)
	return true
}

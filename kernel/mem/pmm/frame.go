// Package pmm contains the types shared by the physical frame allocators.
package pmm

import (
	"math"

	"lambdaos/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this frame.
func (f Frame) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical address.
// Unaligned addresses are rounded down to the frame that contains them.
func FrameFromAddress(physAddr mem.PhysicalAddress) Frame {
	return Frame(uintptr(physAddr) >> mem.PageShift)
}

// FrameRange describes a contiguous run of frames. Both ends are inclusive.
type FrameRange struct {
	First Frame
	Last  Frame
}

// Count returns the number of frames in the range.
func (r FrameRange) Count() uint64 {
	if r.Empty() {
		return 0
	}
	return uint64(r.Last-r.First) + 1
}

// Contains returns true if f lies within the range.
func (r FrameRange) Contains(f Frame) bool {
	return f >= r.First && f <= r.Last
}

// Empty returns true if the range contains no frames.
func (r FrameRange) Empty() bool {
	return r.Last < r.First
}

// Overlaps returns true if the two ranges share at least one frame.
func (r FrameRange) Overlaps(other FrameRange) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.First <= other.Last && other.First <= r.Last
}

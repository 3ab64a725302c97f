package pmm

import (
	"testing"

	"lambdaos/kernel"
	"lambdaos/kernel/mem"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := mem.PhysicalAddress(frameIndex<<mem.PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}

		if got := FrameFromAddress(frame.Address() + 0xfff); got != frame {
			t.Errorf("expected FrameFromAddress to round down to frame %d; got %d", frame, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameRange(t *testing.T) {
	r := FrameRange{First: 16, Last: 31}

	if exp, got := uint64(16), r.Count(); got != exp {
		t.Fatalf("expected range count %d; got %d", exp, got)
	}

	if got := (FrameRange{First: 2, Last: 1}).Count(); got != 0 {
		t.Fatalf("expected empty range count 0; got %d", got)
	}

	specs := []struct {
		other FrameRange
		exp   bool
	}{
		{FrameRange{0, 15}, false},
		{FrameRange{0, 16}, true},
		{FrameRange{20, 21}, true},
		{FrameRange{31, 40}, true},
		{FrameRange{32, 40}, false},
		{FrameRange{0, 100}, true},
	}

	for specIndex, spec := range specs {
		if got := r.Overlaps(spec.other); got != spec.exp {
			t.Errorf("[spec %d] expected Overlaps(%v) to return %t; got %t", specIndex, spec.other, spec.exp, got)
		}
		if got := spec.other.Overlaps(r); got != spec.exp {
			t.Errorf("[spec %d] expected Overlaps to be symmetric", specIndex)
		}
	}

	if (FrameRange{First: 1, Last: 0}).Overlaps(FrameRange{First: 0, Last: 5}) {
		t.Error("expected empty range not to overlap anything")
	}

	if !r.Contains(16) || !r.Contains(31) || r.Contains(32) || r.Contains(15) {
		t.Error("expected Contains to treat both range ends as inclusive")
	}
}

type countingAllocator struct {
	next     Frame
	released []Frame
}

func (a *countingAllocator) AllocFrames(count uint) (Frame, *kernel.Error) {
	f := a.next
	a.next += Frame(count)
	return f, nil
}

func (a *countingAllocator) DeallocFrame(f Frame) {
	a.released = append(a.released, f)
}

type bumpAllocator struct{ next Frame }

func (a *bumpAllocator) AllocFrames(count uint) (Frame, *kernel.Error) {
	f := a.next
	a.next += Frame(count)
	return f, nil
}

func TestReleaseFrame(t *testing.T) {
	t.Run("allocator supports deallocation", func(t *testing.T) {
		alloc := &countingAllocator{next: 10}
		f, _ := AllocFrame(alloc)
		if !ReleaseFrame(alloc, f) {
			t.Fatal("expected ReleaseFrame to return true")
		}
		if len(alloc.released) != 1 || alloc.released[0] != 10 {
			t.Fatalf("expected frame 10 to be released; got %v", alloc.released)
		}
	})

	t.Run("allocator without deallocation", func(t *testing.T) {
		alloc := &bumpAllocator{}
		f, _ := AllocFrame(alloc)
		if ReleaseFrame(alloc, f) {
			t.Fatal("expected ReleaseFrame to return false")
		}
	})
}

package allocator

import (
	"testing"

	"lambdaos/kernel/mem/pmm"
	"lambdaos/multiboot"
)

var _ pmm.FrameDeallocator = (*FreeListAllocator)(nil)

func newTestFreeList() *FreeListAllocator {
	return NewFreeListAllocator(NewAreaFrameAllocator(
		[]multiboot.MemoryMapEntry{availableRegion(0, 0x100000)},
		0x10000, 0x20000,
		0x30000, 0x31000,
	))
}

func TestFreeListReusesReleasedFrames(t *testing.T) {
	alloc := newTestFreeList()

	var frames []pmm.Frame
	for i := 0; i < 8; i++ {
		frame, err := alloc.AllocFrames(1)
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, frame)
	}

	initialFree := alloc.FreeFrameCount()

	alloc.DeallocFrame(frames[5])
	alloc.DeallocFrame(frames[2])

	if exp, got := initialFree+2, alloc.FreeFrameCount(); got != exp {
		t.Fatalf("expected %d free frames after release; got %d", exp, got)
	}

	// Lowest released frame is handed out first.
	for _, exp := range []pmm.Frame{frames[2], frames[5], 8} {
		got, err := alloc.AllocFrames(1)
		if err != nil {
			t.Fatal(err)
		}
		if got != exp {
			t.Fatalf("expected frame %d; got %d", exp, got)
		}
	}

	if got := alloc.ReleasedFrames(); got != 0 {
		t.Fatalf("expected released set to be empty; got %d entries", got)
	}
}

func TestFreeListContiguousRuns(t *testing.T) {
	alloc := newTestFreeList()

	first, _ := alloc.AllocFrames(6)
	for _, offset := range []pmm.Frame{0, 2, 3, 4} {
		alloc.DeallocFrame(first + offset)
	}

	got, err := alloc.AllocFrames(3)
	if err != nil {
		t.Fatal(err)
	}
	if exp := first + 2; got != exp {
		t.Fatalf("expected run to start at frame %d; got %d", exp, got)
	}

	// No run of 2 is left; the request falls through to the area allocator.
	got, err = alloc.AllocFrames(2)
	if err != nil {
		t.Fatal(err)
	}
	if exp := first + 6; got != exp {
		t.Fatalf("expected fresh frames at %d; got %d", exp, got)
	}

	if _, err = alloc.AllocFrames(0); err != errOutOfMemory {
		t.Fatalf("expected zero-frame request to fail; got %v", err)
	}
}

func TestFreeListIgnoresForeignFrames(t *testing.T) {
	alloc := newTestFreeList()
	_, _ = alloc.AllocFrames(1)

	for _, frame := range []pmm.Frame{
		pmm.FrameFromAddress(0xb8000),  // never allocated
		pmm.FrameFromAddress(0x18000),  // kernel image
		pmm.FrameFromAddress(0x30000),  // boot record
		pmm.FrameFromAddress(0x200000), // outside any region
	} {
		alloc.DeallocFrame(frame)
	}

	if got := alloc.ReleasedFrames(); got != 0 {
		t.Fatalf("expected foreign frames to be ignored; got %d released frames", got)
	}
}

func TestFreeListDoubleFree(t *testing.T) {
	alloc := newTestFreeList()
	frame, _ := alloc.AllocFrames(1)
	alloc.DeallocFrame(frame)

	defer func() {
		if err := recover(); err != errDoubleFree {
			t.Fatalf("expected errDoubleFree panic; got %v", err)
		}
	}()

	alloc.DeallocFrame(frame)
	t.Fatal("expected double free to panic")
}

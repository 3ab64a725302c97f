package vmm

import (
	"testing"

	"lambdaos/kernel/cpu/emu"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/pmm"
	"lambdaos/kernel/mem/pmm/allocator"
)

const testHeapAddr = mem.VirtualAddress(0x40000000)

func TestMapTranslate(t *testing.T) {
	env := newTestEnv(t)
	page := PageFromAddress(testHeapAddr)
	frame := env.allocFrame(t)

	if _, err := env.active.Translate(testHeapAddr); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping before mapping; got %v", err)
	}

	flushes := env.machine.Stats().EntryFlushes
	if err := env.active.MapTo(page, frame, FlagRW, env.area); err != nil {
		t.Fatal(err)
	}
	if got := env.machine.Stats().EntryFlushes; got != flushes+1 {
		t.Fatalf("expected MapTo to flush one TLB entry; got %d flushes", got-flushes)
	}

	for offset := uintptr(0); offset < uintptr(mem.PageSize); offset++ {
		virtAddr := testHeapAddr + mem.VirtualAddress(offset)
		exp := frame.Address() + mem.PhysicalAddress(offset)

		got, err := env.active.Translate(virtAddr)
		if err != nil {
			t.Fatal(err)
		}
		if got != exp {
			t.Errorf("expected 0x%x to translate to 0x%x; got 0x%x", virtAddr, exp, got)
		}

		if hwGot, err := env.machine.Translate(uintptr(virtAddr)); err != nil || hwGot != uintptr(exp) {
			t.Errorf("expected MMU to translate 0x%x to 0x%x; got 0x%x, %v", virtAddr, exp, hwGot, err)
		}
	}

	if err := env.machine.WriteUint64(uintptr(testHeapAddr)+8, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if got := *(*uint64)(env.machine.PhysToPtr(uintptr(frame.Address()) + 8)); got != 0xdeadbeef {
		t.Fatalf("expected write to land in frame %v; got 0x%x", frame, got)
	}

	t.Run("non-canonical address", func(t *testing.T) {
		if _, err := env.active.Translate(0x0000900000000000); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping; got %v", err)
		}
	})

	t.Run("already mapped", func(t *testing.T) {
		expectPanic(t, errAlreadyMapped, func() {
			_ = env.active.MapTo(page, frame+1, FlagRW, env.area)
		})
	})

	t.Run("allocator error", func(t *testing.T) {
		if err := env.active.Map(PageFromAddress(0x0000700000000000), FlagRW, exhaustedAllocator{}); err != errTestOutOfMemory {
			t.Fatalf("expected errTestOutOfMemory; got %v", err)
		}
	})
}

func TestMapAllocatesFrame(t *testing.T) {
	env := newTestEnv(t)
	page := PageFromAddress(testHeapAddr)

	if err := env.active.Map(page, FlagRW, env.area); err != nil {
		t.Fatal(err)
	}

	frame, err := env.active.TranslatePage(page)
	if err != nil {
		t.Fatal(err)
	}
	if !env.area.Allocated(frame) {
		t.Fatalf("expected mapped frame %v to come from the allocator", frame)
	}
}

func TestIdentityMap(t *testing.T) {
	env := newTestEnv(t)

	// Frames above the boot identity mapped GiB are not present.
	var (
		frames = pmm.FrameRange{First: pmm.Frame(0x40000), Last: pmm.Frame(0x40003)}
		flags  = FlagRW | FlagNoExecute
	)
	if err := env.active.IdentityMapRange(frames, flags, env.area); err != nil {
		t.Fatal(err)
	}

	for frame := frames.First; frame <= frames.Last; frame++ {
		got, err := env.active.TranslatePage(PageFromAddress(mem.VirtualAddress(frame.Address())))
		if err != nil || got != frame {
			t.Errorf("expected frame %v to be identity mapped; got %v, %v", frame, got, err)
		}
	}
}

func TestTranslateHugePages(t *testing.T) {
	env := newTestEnv(t)

	t.Run("2M pages", func(t *testing.T) {
		// The boot tables map the second 2M of RAM with a single P2 entry.
		base := PageFromAddress(0x200000)
		for _, offset := range []Page{0, 1, 511} {
			got, err := env.active.TranslatePage(base + offset)
			if err != nil {
				t.Fatal(err)
			}
			if exp := pmm.Frame(0x200) + pmm.Frame(offset); got != exp {
				t.Errorf("expected page offset %d to map to frame 0x%x; got 0x%x", offset, exp, got)
			}
		}

		got, err := env.active.Translate(0x200000 + 0x1234)
		if err != nil || got != 0x201234 {
			t.Fatalf("expected 0x201234; got 0x%x, %v", got, err)
		}
	})

	t.Run("1G pages", func(t *testing.T) {
		p3, err := env.active.P4().NextTableCreate(2, env.area)
		if err != nil {
			t.Fatal(err)
		}
		p3.Entry(0).Set(pmm.Frame(0), FlagPresent|FlagRW|FlagHugePage)

		base := PageFromAddress(mem.VirtualAddress(2 << 39))
		for _, offset := range []Page{0, 1, 511, 3*512 + 5} {
			got, err := env.active.TranslatePage(base + offset)
			if err != nil {
				t.Fatal(err)
			}
			if exp := pmm.Frame(offset); got != exp {
				t.Errorf("expected page offset %d to map to frame 0x%x; got 0x%x", offset, exp, got)
			}
		}

		p3.Entry(1).Set(pmm.Frame(1), FlagPresent|FlagRW|FlagHugePage)
		expectPanic(t, errMisalignedHugePage, func() {
			_, _ = env.active.TranslatePage(base + 512*512)
		})
	})
}

func TestMapHuge2M(t *testing.T) {
	env := newTestEnv(t)

	var (
		page  = PageFromAddress(0x80000000)
		frame = pmm.FrameFromAddress(0x400000)
	)

	if err := env.active.MapHuge2M(page, frame, FlagRW, env.area); err != nil {
		t.Fatal(err)
	}

	for _, offset := range []Page{0, 1, 511} {
		got, err := env.active.TranslatePage(page + offset)
		if err != nil || got != frame+pmm.Frame(offset) {
			t.Errorf("expected page offset %d to map to frame %v; got %v, %v", offset, frame+pmm.Frame(offset), got, err)
		}
	}

	if got, err := env.machine.Translate(0x80000000 + 0x12345); err != nil || got != 0x412345 {
		t.Fatalf("expected MMU to translate into the huge page; got 0x%x, %v", got, err)
	}

	t.Run("misaligned page", func(t *testing.T) {
		expectPanic(t, errMisalignedHugePage, func() {
			_ = env.active.MapHuge2M(page+1, frame, FlagRW, env.area)
		})
	})

	t.Run("misaligned frame", func(t *testing.T) {
		expectPanic(t, errMisalignedHugePage, func() {
			_ = env.active.MapHuge2M(page+512, frame+1, FlagRW, env.area)
		})
	})

	t.Run("map inside huge page", func(t *testing.T) {
		expectPanic(t, errHugePageWalk, func() {
			_ = env.active.MapTo(page+3, frame, FlagRW, env.area)
		})
	})

	t.Run("unmap huge page", func(t *testing.T) {
		expectPanic(t, errHugePageUnmap, func() {
			env.active.Unmap(page, env.area)
		})
	})
}

func TestUnmap(t *testing.T) {
	env := newTestEnv(t)
	page := PageFromAddress(testHeapAddr)

	t.Run("releases frame", func(t *testing.T) {
		freeList := allocator.NewFreeListAllocator(env.area)
		if err := env.active.Map(page, FlagRW, freeList); err != nil {
			t.Fatal(err)
		}
		frame, _ := env.active.TranslatePage(page)

		// Prime the TLB so a missing flush would be observable.
		if _, err := env.machine.ReadUint64(uintptr(testHeapAddr)); err != nil {
			t.Fatal(err)
		}

		env.active.Unmap(page, freeList)

		if _, err := env.active.Translate(testHeapAddr); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping after Unmap; got %v", err)
		}

		_, err := env.machine.ReadUint64(uintptr(testHeapAddr))
		if _, ok := err.(*emu.PageFault); !ok {
			t.Fatalf("expected access to unmapped page to fault; got %v", err)
		}

		if got := freeList.ReleasedFrames(); got != 1 {
			t.Fatalf("expected 1 released frame; got %d", got)
		}

		if got, _ := freeList.AllocFrames(1); got != frame {
			t.Fatalf("expected released frame %v to be reused; got %v", frame, got)
		}
	})

	t.Run("keeps frame without deallocator", func(t *testing.T) {
		if err := env.active.Map(page, FlagRW, env.area); err != nil {
			t.Fatal(err)
		}
		env.active.Unmap(page, env.area)

		if !env.active.P4().Entry(page.P4Index()).HasFlags(FlagPresent) {
			t.Fatal("expected page tables to be kept after Unmap")
		}
	})

	t.Run("not mapped", func(t *testing.T) {
		expectPanic(t, errNotMapped, func() {
			env.active.Unmap(page, env.area)
		})
		expectPanic(t, errNotMapped, func() {
			env.active.Unmap(PageFromAddress(0x0000700000000000), env.area)
		})
	})
}

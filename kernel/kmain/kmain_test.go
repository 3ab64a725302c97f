package kmain

import (
	"strings"
	"testing"

	"lambdaos/kernel"
	"lambdaos/kernel/cpu"
	"lambdaos/kernel/cpu/emu"
	"lambdaos/kernel/driver/tty"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mm"
	"lambdaos/multiboot"
)

const testInfoAddr = uintptr(0x158000)

func bootMachine(t *testing.T, cmdLine string) (*emu.Machine, *multiboot.Info) {
	t.Helper()

	machine, err := emu.NewMachine(8 * mem.Mb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = machine.Close() })

	if err = machine.InstallBootPaging(emu.BootPaging{P4: 0x140000, P3: 0x141000, P2: 0x142000}); err != nil {
		t.Fatal(err)
	}

	blob := (&multiboot.Builder{}).
		SetCmdLine(cmdLine).
		AddMemRegion(0, 0x9fc00, multiboot.MemAvailable).
		AddMemRegion(0x100000, 0x700000, multiboot.MemAvailable).
		AddElfSection(multiboot.ElfSection{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: 0x100000, Size: 0x30000}).
		AddElfSection(multiboot.ElfSection{Name: ".bss", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x130000, Size: 0x20000}).
		Build(testInfoAddr)
	if err = machine.LoadPhys(testInfoAddr, blob); err != nil {
		t.Fatal(err)
	}

	info, kerr := multiboot.NewInfo(testInfoAddr, machine.PhysToPtr)
	if kerr != nil {
		t.Fatal(kerr)
	}
	return machine, info
}

func screenContains(vt *tty.Vt, text string) bool {
	_, height := vt.Dimensions()
	for y := uint16(0); y < height; y++ {
		if strings.Contains(vt.Line(y), text) {
			return true
		}
	}
	return false
}

func TestBoot(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	machine, info := bootMachine(t, "console=vga mm.stack_pages=8")

	vt := AttachConsole(machine)
	kfmt.Printf("booting\n")
	if !screenContains(vt, "booting") {
		t.Fatal("expected kfmt output to reach the VGA console")
	}
	if got, _ := machine.ReadUint64(0xb8000); byte(got) != 'b' {
		t.Fatalf("expected first VGA cell to hold 'b'; got 0x%x", got)
	}

	ctrl := Boot(machine, info)
	if ctrl == nil {
		t.Fatal("expected Boot to return a memory controller")
	}

	if got, err := machine.Translate(0xb8000); err != nil || got != 0xb8000 {
		t.Fatalf("expected the VGA buffer to stay identity mapped; got 0x%x, %v", got, err)
	}

	// The console keeps working after the remap.
	for _, exp := range []string{"[mm] heap: 0x0000000040000000", "[kmain] double fault stack: 0x000000004001a000 - 0x000000004001b000"} {
		if !screenContains(vt, exp) {
			t.Errorf("expected screen to contain %q", exp)
		}
	}

	// The double fault stack took the first two pages of the stack region.
	stack, err := ctrl.AllocStack(1)
	if err != nil {
		t.Fatal(err)
	}
	if exp := mem.VirtualAddress(0x4001c000); stack.Bottom != exp {
		t.Fatalf("expected next stack bottom at 0x%x; got 0x%x", exp, stack.Bottom)
	}
}

func TestBootErrors(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
		mmInitFn = mm.Init
	}()

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }

	t.Run("invalid config", func(t *testing.T) {
		panicErr = nil
		_, info := bootMachine(t, "mm.stack_pages=many")
		mmInitFn = func(cpu.MMU, *multiboot.Info, mm.Config) (*mm.Controller, *kernel.Error) {
			t.Fatal("expected mm.Init not to be called")
			return nil, nil
		}

		if got := Boot(nil, info); got != nil || panicErr != mm.ErrInvalidConfig {
			t.Fatalf("expected Boot to panic with mm.ErrInvalidConfig; got %v", panicErr)
		}
	})

	t.Run("init error", func(t *testing.T) {
		panicErr = nil
		expErr := &kernel.Error{Module: "test", Message: "init failed"}
		_, info := bootMachine(t, "")

		var gotCfg mm.Config
		mmInitFn = func(_ cpu.MMU, _ *multiboot.Info, cfg mm.Config) (*mm.Controller, *kernel.Error) {
			gotCfg = cfg
			return nil, expErr
		}

		if got := Boot(nil, info); got != nil || panicErr != expErr {
			t.Fatalf("expected Boot to panic with expErr; got %v", panicErr)
		}
		if gotCfg != mm.DefaultConfig() {
			t.Fatalf("expected default config; got %+v", gotCfg)
		}
	})
}

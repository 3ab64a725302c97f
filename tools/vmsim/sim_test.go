package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"lambdaos/kernel"
)

func TestGuard(t *testing.T) {
	specs := []struct {
		fn     func()
		expErr string
	}{
		{func() {}, ""},
		{func() { panic(&kernel.Error{Module: "vmm", Message: "page already mapped"}) }, "kernel halted: [vmm] page already mapped"},
		{func() { panic(io.ErrUnexpectedEOF) }, "kernel halted: unexpected EOF"},
		{func() { panic("boom") }, "kernel halted: boom"},
	}

	for specIndex, spec := range specs {
		err := guard(spec.fn)
		switch {
		case spec.expErr == "" && err != nil:
			t.Errorf("[spec %d] expected no error; got %v", specIndex, err)
		case spec.expErr != "" && (err == nil || err.Error() != spec.expErr):
			t.Errorf("[spec %d] expected error %q; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestNewSimulationLoadErrors(t *testing.T) {
	log, _ := test.NewNullLogger()

	specs := []func(*Machine){
		func(m *Machine) { m.BootPaging.P4 = m.RAMSize },
		func(m *Machine) { m.BootInfoAddr = m.RAMSize - 16 },
		func(m *Machine) { m.BootInfoAddr += 4 },
	}

	for specIndex, mutate := range specs {
		m := defaultMachine()
		mutate(m)
		if sim, err := newSimulation(m, log, false); err == nil {
			sim.Close()
			t.Errorf("[spec %d] expected an error", specIndex)
		}
	}
}

func TestCommandUsage(t *testing.T) {
	log, _ := test.NewNullLogger()
	missing := filepath.Join(t.TempDir(), "missing.toml")

	specs := []struct {
		cmd       subcommands.Command
		args      []string
		expStatus subcommands.ExitStatus
	}{
		{new(bootCmd), []string{"extra"}, subcommands.ExitUsageError},
		{new(bootCmd), []string{"-config", missing}, subcommands.ExitFailure},
		{new(stacksCmd), []string{"-pages", "0"}, subcommands.ExitUsageError},
		{new(stacksCmd), []string{"-config", missing}, subcommands.ExitFailure},
		{new(translateCmd), nil, subcommands.ExitUsageError},
		{new(translateCmd), []string{"0xb8000", "zz"}, subcommands.ExitUsageError},
		{new(translateCmd), []string{"-config", missing, "b8000"}, subcommands.ExitFailure},
	}

	for specIndex, spec := range specs {
		fs := flag.NewFlagSet(spec.cmd.Name(), flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		spec.cmd.SetFlags(fs)
		if err := fs.Parse(spec.args); err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}

		if got := spec.cmd.Execute(context.Background(), fs, log); got != spec.expStatus {
			t.Errorf("[spec %d] expected exit status %d; got %d", specIndex, spec.expStatus, got)
		}
	}
}

func hasEntry(hook *test.Hook, module, msg string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Data["module"] == module && entry.Message == msg {
			return true
		}
	}
	return false
}

// TestSimulation is the only test that runs the kernel bring-up since the
// memory subsystem can be initialized once per process.
func TestSimulation(t *testing.T) {
	log, hook := test.NewNullLogger()

	sim, err := newSimulation(defaultMachine(), log, true)
	if err != nil {
		t.Fatal(err)
	}
	defer sim.Close()

	if !hasEntry(hook, "mm", "heap: 0x0000000040000000 - 0x0000000040019000") {
		t.Fatal("expected kernel output to be forwarded to the logger")
	}

	t.Run("boot", func(t *testing.T) {
		var buf bytes.Buffer
		(&bootCmd{screen: true}).run(sim, &buf)

		for _, exp := range []string{
			"heap:         0x0000000040000000 - 0x0000000040019000\n",
			"guard page:   0x0000000000170000\n",
			"  | [mm] heap: 0x0000000040000000 - 0x0000000040019000\n",
			"  | [kmain] double fault stack: 0x000000004001a000 - 0x000000004001b000\n",
		} {
			if !strings.Contains(buf.String(), exp) {
				t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
			}
		}

		if sim.ctrl.FreeFrameCount() == 0 {
			t.Error("expected free frames after boot")
		}
	})

	t.Run("stacks", func(t *testing.T) {
		var buf bytes.Buffer
		if got := (&stacksCmd{count: 2, pages: 2}).run(sim, &buf, log); got != subcommands.ExitSuccess {
			t.Fatalf("expected ExitSuccess; got %d", got)
		}

		exp := "stack 0: 0x000000004001c000 - 0x000000004001e000 guard 0x000000004001b000: read from non-present page\n" +
			"stack 1: 0x000000004001f000 - 0x0000000040021000 guard 0x000000004001e000: read from non-present page\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected output:\n%s\ngot:\n%s", exp, got)
		}

		// 92 pages remain; only two 40 page stacks with guards fit.
		hook.Reset()
		buf.Reset()
		if got := (&stacksCmd{count: 3, pages: 40}).run(sim, &buf, log); got != subcommands.ExitSuccess {
			t.Fatalf("expected ExitSuccess; got %d", got)
		}
		if got := strings.Count(buf.String(), "\n"); got != 2 {
			t.Fatalf("expected 2 stacks to be allocated; got %d:\n%s", got, buf.String())
		}

		entries := hook.AllEntries()
		if len(entries) != 1 || entries[0].Level != logrus.WarnLevel || entries[0].Data["allocated"] != uint(2) {
			t.Fatalf("expected a single exhaustion warning after 2 stacks; got %v", entries)
		}
	})

	t.Run("translate", func(t *testing.T) {
		var buf bytes.Buffer
		addrs := []uint64{0xb8123, 0x100010, 0x40000000, 0x170000, 0x8000000000}
		if got := (&translateCmd{}).run(sim, &buf, log, addrs); got != subcommands.ExitSuccess {
			t.Fatalf("expected ExitSuccess; got %d:\n%s", got, buf.String())
		}

		for _, exp := range []string{
			"0x00000000000b8123: kernel 0x00000000000b8123, mmu 0x00000000000b8123\n",
			"0x0000000000100010: kernel 0x0000000000100010, mmu 0x0000000000100010\n",
			"0x0000000000170000: kernel unmapped, mmu unmapped\n",
			"0x0000008000000000: kernel unmapped, mmu unmapped\n",
		} {
			if !strings.Contains(buf.String(), exp) {
				t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
			}
		}
		if strings.Contains(buf.String(), "0x0000000040000000: kernel unmapped") {
			t.Errorf("expected the heap to be mapped; got:\n%s", buf.String())
		}
	})
}

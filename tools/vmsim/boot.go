package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
)

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	machineFlags
	screen bool
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string {
	return "boot the machine and report the memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return `boot [-config machine.toml] [-screen]

Runs the kernel memory bring-up and prints the free frame count, the heap
region, the guard page and the paging counters of the emulated MMU.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	b.machineFlags.register(f)
	f.BoolVar(&b.screen, "screen", false, "dump the VGA text console after boot")
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	log := loggerFrom(args)
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sim, err := b.boot(log, b.screen)
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer sim.Close()

	b.run(sim, os.Stdout)
	return subcommands.ExitSuccess
}

// run prints the memory layout of a booted simulation.
func (b *bootCmd) run(sim *simulation, out io.Writer) {
	heapStart, heapSize := sim.ctrl.HeapRegion()
	stats := sim.machine.Stats()
	fmt.Fprintf(out, "free frames:  %d\n", sim.ctrl.FreeFrameCount())
	fmt.Fprintf(out, "heap:         0x%016x - 0x%016x\n", uintptr(heapStart), uintptr(heapStart)+uintptr(heapSize))
	fmt.Fprintf(out, "guard page:   0x%016x\n", uintptr(sim.ctrl.GuardPage().Address()))
	fmt.Fprintf(out, "tlb:          %d hits, %d misses\n", stats.TLBHits, stats.TLBMisses)
	fmt.Fprintf(out, "flushes:      %d entry, %d full, %d address space switches\n", stats.EntryFlushes, stats.FullFlushes, stats.AddressSwitches)

	if b.screen {
		fmt.Fprintln(out, "screen:")
		for _, line := range sim.screen() {
			fmt.Fprintf(out, "  | %s\n", line)
		}
	}
}

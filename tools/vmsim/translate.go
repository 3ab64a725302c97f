package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"lambdaos/kernel/mem"
)

// translateCmd implements subcommands.Command for the "translate" command.
type translateCmd struct {
	machineFlags
}

// Name implements subcommands.Command.Name.
func (*translateCmd) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*translateCmd) Synopsis() string {
	return "translate virtual addresses after boot"
}

// Usage implements subcommands.Command.Usage.
func (*translateCmd) Usage() string {
	return `translate [-config machine.toml] <vaddr> [<vaddr>...]

Translates each address with the kernel page table walker and with the
emulated MMU and prints both results. Addresses are hex, with or without
a 0x prefix.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *translateCmd) SetFlags(f *flag.FlagSet) {
	t.machineFlags.register(f)
}

// Execute implements subcommands.Command.Execute.
func (t *translateCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	log := loggerFrom(args)
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	addrs := make([]uint64, 0, f.NArg())
	for _, arg := range f.Args() {
		addr, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 64)
		if err != nil {
			log.WithError(err).WithField("arg", arg).Error("invalid address")
			return subcommands.ExitUsageError
		}
		addrs = append(addrs, addr)
	}

	sim, err := t.boot(log, false)
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer sim.Close()

	return t.run(sim, os.Stdout, log, addrs)
}

// run translates addrs and reports any disagreement between the kernel
// walker and the MMU.
func (t *translateCmd) run(sim *simulation, out io.Writer, log logrus.FieldLogger, addrs []uint64) subcommands.ExitStatus {
	status := subcommands.ExitSuccess
	for _, addr := range addrs {
		kernelRes := "unmapped"
		if phys, kerr := sim.ctrl.Translate(mem.VirtualAddress(addr)); kerr == nil {
			kernelRes = fmt.Sprintf("0x%016x", uintptr(phys))
		}

		mmuRes := "unmapped"
		if phys, err := sim.machine.Translate(uintptr(addr)); err == nil {
			mmuRes = fmt.Sprintf("0x%016x", phys)
		}

		fmt.Fprintf(out, "0x%016x: kernel %s, mmu %s\n", addr, kernelRes, mmuRes)
		if kernelRes != mmuRes {
			log.WithField("addr", fmt.Sprintf("%#x", addr)).Warn("kernel and MMU translations disagree")
			status = subcommands.ExitFailure
		}
	}

	return status
}

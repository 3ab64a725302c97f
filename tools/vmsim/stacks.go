package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"lambdaos/kernel/cpu/emu"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mem/vmm"
)

// stacksCmd implements subcommands.Command for the "stacks" command.
type stacksCmd struct {
	machineFlags
	count uint
	pages uint
}

// Name implements subcommands.Command.Name.
func (*stacksCmd) Name() string {
	return "stacks"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stacksCmd) Synopsis() string {
	return "allocate guarded kernel stacks and probe their guard pages"
}

// Usage implements subcommands.Command.Usage.
func (*stacksCmd) Usage() string {
	return `stacks [-config machine.toml] [-count N] [-pages N]

Boots the machine, allocates count stacks of the given size and checks that
the page below every stack faults.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *stacksCmd) SetFlags(f *flag.FlagSet) {
	s.machineFlags.register(f)
	f.UintVar(&s.count, "count", 4, "number of stacks to allocate")
	f.UintVar(&s.pages, "pages", 4, "pages per stack")
}

// Execute implements subcommands.Command.Execute.
func (s *stacksCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	log := loggerFrom(args)
	if f.NArg() != 0 || s.pages == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sim, err := s.boot(log, false)
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer sim.Close()

	return s.run(sim, os.Stdout, log)
}

// run allocates the requested stacks and probes each guard page.
func (s *stacksCmd) run(sim *simulation, out io.Writer, log logrus.FieldLogger) subcommands.ExitStatus {
	for i := uint(0); i < s.count; i++ {
		stack, kerr := sim.ctrl.AllocStack(s.pages)
		if kerr != nil {
			log.WithError(kerr).WithField("allocated", i).Warn("stack region exhausted")
			break
		}

		guardAddr := uintptr(stack.Bottom) - uintptr(mem.PageSize)
		fmt.Fprintf(out, "stack %d: 0x%016x - 0x%016x guard 0x%016x: %s\n",
			i, uintptr(stack.Bottom), uintptr(stack.Top), guardAddr, probeGuard(sim.machine, guardAddr))

		if err := probeStack(sim.machine, stack); err != nil {
			log.WithError(err).Error("stack is not writable")
			return subcommands.ExitFailure
		}
	}

	return subcommands.ExitSuccess
}

// probeGuard describes what happens when the page at addr is touched.
func probeGuard(machine *emu.Machine, addr uintptr) string {
	_, err := machine.ReadUint64(addr)

	var fault *emu.PageFault
	if errors.As(err, &fault) {
		return fault.Reason()
	}
	return "mapped"
}

// probeStack writes to the first and last word of the stack.
func probeStack(machine *emu.Machine, stack vmm.Stack) error {
	for _, addr := range []uintptr{uintptr(stack.Bottom), uintptr(stack.Top) - 8} {
		if err := machine.WriteUint64(addr, 0xdeadbeef); err != nil {
			return err
		}
	}
	return nil
}

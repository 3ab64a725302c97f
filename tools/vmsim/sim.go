package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"lambdaos/kernel"
	"lambdaos/kernel/cpu/emu"
	"lambdaos/kernel/driver/tty"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/kmain"
	"lambdaos/kernel/mem"
	"lambdaos/kernel/mm"
	"lambdaos/multiboot"
)

// simulation is a booted emulated machine.
type simulation struct {
	machine *emu.Machine
	info    *multiboot.Info
	ctrl    *mm.Controller
	vt      *tty.Vt
	sink    *logSink
}

// kernelHalt is returned when the kernel stops the emulated CPU or trips
// over a paging invariant.
type kernelHalt struct {
	cause interface{}
}

func (h *kernelHalt) Error() string {
	switch t := h.cause.(type) {
	case *kernel.Error:
		return fmt.Sprintf("kernel halted: [%s] %s", t.Module, t.Message)
	case error:
		return "kernel halted: " + t.Error()
	default:
		return fmt.Sprintf("kernel halted: %v", t)
	}
}

// guard runs fn and turns a panic raised by kernel code into a kernelHalt.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &kernelHalt{cause: r}
		}
	}()
	fn()
	return nil
}

// newSimulation powers on a machine described by m, loads its boot record
// and runs the kernel memory bring-up. When screen is set, kernel output
// is also rendered to the emulated VGA text buffer.
func newSimulation(m *Machine, log logrus.FieldLogger, screen bool) (*simulation, error) {
	machine, err := emu.NewMachine(mem.Size(m.RAMSize))
	if err != nil {
		return nil, err
	}

	s := &simulation{machine: machine, sink: newLogSink(log)}
	if err = s.load(m); err != nil {
		_ = machine.Close()
		return nil, err
	}

	var out io.Writer = s.sink
	if screen {
		s.vt = kmain.AttachConsole(machine)
		out = io.MultiWriter(s.vt, s.sink)
	}
	kfmt.SetOutputSink(out)

	err = guard(func() { s.ctrl = kmain.Boot(machine, s.info) })
	s.sink.Flush()
	if err == nil && s.ctrl == nil {
		err = &kernelHalt{cause: "memory bring-up failed"}
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *simulation) load(m *Machine) error {
	paging := emu.BootPaging{
		P4: mem.PhysicalAddress(m.BootPaging.P4),
		P3: mem.PhysicalAddress(m.BootPaging.P3),
		P2: mem.PhysicalAddress(m.BootPaging.P2),
	}
	if err := s.machine.InstallBootPaging(paging); err != nil {
		return err
	}

	if err := s.machine.LoadPhys(uintptr(m.BootInfoAddr), m.bootRecord()); err != nil {
		return err
	}

	info, kerr := multiboot.NewInfo(uintptr(m.BootInfoAddr), s.machine.PhysToPtr)
	if kerr != nil {
		return kerr
	}
	s.info = info
	return nil
}

// screen returns the non-empty lines of the VGA console.
func (s *simulation) screen() []string {
	if s.vt == nil {
		return nil
	}

	var lines []string
	_, height := s.vt.Dimensions()
	for y := uint16(0); y < height; y++ {
		if line := s.vt.Line(y); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Close detaches kernel output and releases the machine RAM.
func (s *simulation) Close() {
	s.sink.Flush()
	kfmt.SetOutputSink(nil)
	_ = s.machine.Close()
}

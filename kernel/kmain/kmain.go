// Package kmain brings up the kernel once the rt0 code has handed control to
// Go.
package kmain

import (
	"lambdaos/kernel"
	"lambdaos/kernel/cpu"
	"lambdaos/kernel/driver/tty"
	"lambdaos/kernel/driver/video/console"
	"lambdaos/kernel/kfmt"
	"lambdaos/kernel/mem/vmm"
	"lambdaos/kernel/mm"
	"lambdaos/multiboot"
)

const (
	// vgaTextBufferAddr is where the VGA text buffer lives. The boot
	// loader and the remapped kernel both identity map it.
	vgaTextBufferAddr = 0xb8000

	// doubleFaultStackPages is the size of the stack reserved for the
	// double fault handler.
	doubleFaultStackPages = 1
)

var (
	// panicFn and mmInitFn are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn  = kfmt.Panic
	mmInitFn = mm.Init
)

// AttachConsole sets up a terminal on the VGA text buffer and makes it the
// kfmt output sink. Output printed before the call is replayed.
func AttachConsole(hw cpu.MMU) *tty.Vt {
	var vt tty.Vt
	vt.AttachTo(console.NewEga(console.EgaWidth, console.EgaHeight, hw.VirtToPtr(vgaTextBufferAddr)))
	vt.Clear()

	kfmt.SetOutputSink(&vt)
	return &vt
}

// Boot initializes memory management using the boot record and reserves the
// double fault stack. Any error is fatal.
func Boot(hw cpu.MMU, info *multiboot.Info) *mm.Controller {
	var (
		cfg   mm.Config
		ctrl  *mm.Controller
		stack vmm.Stack
		err   *kernel.Error
	)

	if cfg, err = mm.ConfigFromCmdLine(info.GetBootCmdLine()); err != nil {
		panicFn(err)
		return nil
	}

	if ctrl, err = mmInitFn(hw, info, cfg); err != nil {
		panicFn(err)
		return nil
	}

	if stack, err = ctrl.AllocStack(doubleFaultStackPages); err != nil {
		panicFn(err)
		return nil
	}

	kfmt.Printf("[kmain] double fault stack: 0x%16x - 0x%16x\n", uintptr(stack.Bottom), uintptr(stack.Top))
	return ctrl
}

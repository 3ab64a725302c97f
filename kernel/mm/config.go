package mm

import (
	"strconv"

	"lambdaos/kernel"
	"lambdaos/kernel/kfmt"
)

const (
	// DefaultStackRegionPages is the size of the stack region when the
	// boot command line does not override it.
	DefaultStackRegionPages = 100

	cmdLineStackPages = "mm.stack_pages"
	cmdLineVerbose    = "mm.verbose"
)

var (
	// ErrInvalidConfig is returned when a memory manager option on the boot
	// command line cannot be parsed.
	ErrInvalidConfig = &kernel.Error{Module: "mm", Message: "invalid memory manager option on the boot command line"}
)

// Config holds the tunables of the memory manager.
type Config struct {
	// StackRegionPages is the number of pages, guard pages included, that
	// are reserved for kernel stacks right after the heap.
	StackRegionPages uint64

	// Verbose enables printing of the physical memory map during Init.
	Verbose bool
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{StackRegionPages: DefaultStackRegionPages}
}

// ConfigFromCmdLine builds a Config from the key-value pairs of the boot
// command line. Unknown keys are ignored.
func ConfigFromCmdLine(cmdLine map[string]string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	if value, ok := cmdLine[cmdLineStackPages]; ok {
		pages, err := strconv.ParseUint(value, 10, 32)
		if err != nil || pages == 0 {
			kfmt.Printf("[mm] invalid value for %s: %s\n", cmdLineStackPages, value)
			return cfg, ErrInvalidConfig
		}
		cfg.StackRegionPages = pages
	}

	if value, ok := cmdLine[cmdLineVerbose]; ok {
		// A bare flag maps to its own name.
		if value == cmdLineVerbose {
			value = "true"
		}

		verbose, err := strconv.ParseBool(value)
		if err != nil {
			kfmt.Printf("[mm] invalid value for %s: %s\n", cmdLineVerbose, value)
			return cfg, ErrInvalidConfig
		}
		cfg.Verbose = verbose
	}

	return cfg, nil
}

// vmsim boots the kernel memory subsystem on an emulated x86_64 paging unit
// and inspects the resulting address space.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(stacksCmd), "")
	subcommands.Register(new(translateCmd), "")

	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background(), log)))
}

// machineFlags are the flags shared by every command that boots a machine.
type machineFlags struct {
	configPath string
}

func (f *machineFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "machine description (.toml, .yaml or .yml); the built-in 32M machine is used if empty")
}

// boot loads the machine description and runs the kernel bring-up.
func (f *machineFlags) boot(log logrus.FieldLogger, screen bool) (*simulation, error) {
	m, err := loadMachine(f.configPath)
	if err != nil {
		return nil, err
	}
	log.WithField("ram", m.RAMSize).WithField("cmdline", m.CmdLine).Debug("powering on machine")
	return newSimulation(m, log, screen)
}

// loggerFrom extracts the logger passed to subcommands.Execute.
func loggerFrom(args []interface{}) logrus.FieldLogger {
	if len(args) > 0 {
		if log, ok := args[0].(logrus.FieldLogger); ok {
			return log
		}
	}
	return logrus.StandardLogger()
}

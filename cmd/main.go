package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

// newRootCmd builds a new command tree with its own flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flightrec",
		Short: "Low-overhead flight recorder for Go services",
		Long: `flightrec records runtime events into self-describing chunk files. ` +
			`The record command runs a recording until it is interrupted; the ` +
			`summary, dump and pprof commands inspect recorded chunks.`,
		SilenceUsage: true,
	}
	root.SetOut(os.Stdout)
	root.AddCommand(
		newRecordCmd(),
		newSummaryCmd(),
		newDumpCmd(),
		newPprofCmd(),
	)
	return root
}

// Command xrelayctl inspects and repairs the on-disk state of an xrelay bus:
// dead-lettered messages, the message journal and subscription files.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
)

var (
	version = "dev"
	commit  = "none"
)

type app struct {
	verbose bool
	logger  *xlog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: xlog.Default()}
	root := &cobra.Command{
		Use:           "xrelayctl",
		Short:         "Operate xrelay queues, journals and subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.verbose {
				a.logger = zerolog.Use(zerolog.Config{
					MinLevel:          xlog.LevelDebug,
					Console:           true,
					ConsoleTimeFormat: time.RFC3339Nano,
					Caller:            true,
					CallerSkip:        5,
				}).With(xlog.Str("app", "xrelayctl"))
			}
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		a.deadLettersCmd(),
		a.journalCmd(),
		a.subscriptionsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "xrelayctl version %s (commit: %s)\n", version, commit)
			},
		},
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

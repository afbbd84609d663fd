package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	loomerrors "github.com/loomworks/loom/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Inspect and manage loom deployment state",
		Long: `loom is the companion CLI for the loom runtime.

It reads the same state backend your program deploys through, so you can
inspect stacks, tail audit logs and clear stale locks without running the
program itself.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to loom.json (default: search upward)")

	rootCmd.AddCommand(
		statusCmd(),
		nodesCmd(),
		auditCmd(),
		unlockCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		var structured *loomerrors.Error
		if ok := asLoomError(err, &structured); ok {
			fmt.Fprint(os.Stderr, structured.Format())
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		os.Exit(1)
	}
}

func asLoomError(err error, target **loomerrors.Error) bool {
	for err != nil {
		if le, ok := err.(*loomerrors.Error); ok {
			*target = le
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

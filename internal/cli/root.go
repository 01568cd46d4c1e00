// Package cli implements the stonix command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stonix-project/stonix/pkg/color"
)

var (
	jsonOutput bool
	stateFlag  string
	logLevel   string
	noColor    bool
	lockWait   time.Duration
	rootCmd    = &cobra.Command{
		Use:   "stonix",
		Short: "STONIX - system hardening with recorded, reversible changes",
		Long: `STONIX applies hardening rules to a host and records every change it
makes in an append-only event log with file snapshots, so that each
rule's fix can be undone later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().StringVar(&stateFlag, "state", "", "state directory (default $STONIX_STATE_DIR or /var/db/stonix)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	cmd.PersistentFlags().DurationVar(&lockWait, "lock-wait", 0, "wait this long for another run to release the state directory")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		color.Init(noColor || jsonOutput)
	}
}

// Execute runs the root command. SIGINT and SIGTERM cancel the run
// between rules and between undo steps.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmtErr("%v", err)
		stop()
		os.Exit(1)
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	prefix := "stonix: "
	if color.Enabled() {
		prefix = color.Error("stonix:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}

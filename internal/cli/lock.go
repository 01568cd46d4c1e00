package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the state directory run lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the run lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		state, rec, err := a.locks.Status()
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"state": state, "lock": rec})
		}
		fmt.Printf("Lock: %s\n", state)
		if rec != nil {
			fmt.Printf("  Run: %s (pid %d on %s)\n", rec.RunID, rec.PID, rec.Hostname)
			fmt.Printf("  Purpose: %s\n", rec.Purpose)
			fmt.Printf("  Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var lockBreakCmd = &cobra.Command{
	Use:   "break",
	Short: "Remove the run lock regardless of holder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.locks.Break(); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Println("Run lock removed.")
		}
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd, lockBreakCmd)
	rootCmd.AddCommand(lockCmd)
}

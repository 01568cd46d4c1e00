package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stonix-project/stonix/internal/statedir"
	"github.com/stonix-project/stonix/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a STONIX state directory",
	Long: `Initialize a STONIX state directory.

This creates:
  - events/ for the change event log
  - snapshots/ for captured file states
  - locks/, gc/ and logs/
  - config.yaml with default settings, unless one exists
  - format_version and host_id files

Running init on an existing state directory changes nothing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sd, err := statedir.Init(statedir.Resolve(stateFlag))
		if err != nil {
			return fmt.Errorf("initialize state directory: %w", err)
		}
		if _, err := os.Stat(sd.ConfigPath()); os.IsNotExist(err) {
			cfg := config.Default()
			cfg.StateDir = sd.Root
			if err := config.Save(sd.Root, cfg); err != nil {
				return err
			}
		}

		if jsonOutput {
			return outputJSON(map[string]any{
				"state_dir":      sd.Root,
				"format_version": sd.FormatVersion,
				"host_id":        sd.HostID,
			})
		}
		fmt.Printf("Initialized STONIX state directory in %s\n", sd.Root)
		fmt.Printf("  Host ID: %s\n", sd.HostID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

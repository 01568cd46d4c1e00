package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stonix-project/stonix/internal/doctor"
	"github.com/stonix-project/stonix/pkg/color"
)

var (
	doctorStrict bool
	doctorRepair bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check state directory health",
	Long: `Check state directory health.

Verifies the event log hash chain, looks for events whose snapshots are
missing and for snapshots no event refers to, and reports leftover locks
and temp files. Use --strict to also re-hash every snapshot a live event
depends on.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		doc := doctor.NewDoctor(a.dir, a.store, a.files, a.locks)
		result, err := doc.Check(doctorStrict)
		if err != nil {
			return fmt.Errorf("doctor: %w", err)
		}
		var repaired []string
		if doctorRepair {
			repaired = doc.Repair(result)
		}

		if jsonOutput {
			if err := outputJSON(map[string]any{"result": result, "repaired": repaired}); err != nil {
				return err
			}
		} else if len(result.Findings) == 0 {
			fmt.Println(color.Success("State directory is healthy."))
		} else {
			fmt.Printf("Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				fmt.Printf("  [%s] %s: %s\n", color.Severity(f.Severity), f.Category, f.Description)
			}
			for _, p := range repaired {
				fmt.Printf("Removed %s\n", p)
			}
		}

		if !result.Healthy {
			return fmt.Errorf("state directory has problems")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "re-hash every snapshot a live event depends on")
	doctorCmd.Flags().BoolVar(&doctorRepair, "repair", false, "remove orphan temp files")
	rootCmd.AddCommand(doctorCmd)
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stonix-project/stonix/internal/gc"
	"github.com/stonix-project/stonix/pkg/model"
)

var gcDryRun bool

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove orphan snapshots and old version trees",
	Long: `Remove orphan snapshots and old version trees.

Snapshots whose event is no longer in the log are removed. Snapshot
trees of older program versions beyond gc.keep_versions are pruned
unless a live event still needs them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		policy := model.RetentionPolicy{KeepVersions: a.cfg.GC.KeepVersions}
		collector := gc.NewCollector(a.dir.GCDir(), a.store, a.files, policy, a.log, a.metrics)

		return a.withLock(cmd.Context(), "gc", func() error {
			plan, err := collector.Plan()
			if err != nil {
				return fmt.Errorf("create gc plan: %w", err)
			}
			if gcDryRun {
				collector.DiscardPlan(plan.PlanID)
				if jsonOutput {
					return outputJSON(plan)
				}
				fmt.Printf("GC plan (dry run):\n")
				fmt.Printf("  Orphan snapshots: %d\n", len(plan.Orphans))
				for _, k := range plan.Orphans {
					fmt.Printf("    %s\n", k)
				}
				fmt.Printf("  Versions to prune: %d\n", len(plan.PrunedVersions))
				for _, v := range plan.PrunedVersions {
					fmt.Printf("    %s\n", v)
				}
				return nil
			}

			report, err := collector.Run(plan.PlanID)
			if err != nil {
				return fmt.Errorf("run gc: %w", err)
			}
			if jsonOutput {
				return outputJSON(report)
			}
			fmt.Printf("GC removed %d orphan snapshot(s) and %d version tree(s).\n", len(report.Removed), len(report.PrunedVersions))
			return nil
		})
	},
}

func init() {
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "show what would be removed")
	rootCmd.AddCommand(gcCmd)
}

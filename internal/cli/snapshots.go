package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stonix-project/stonix/pkg/model"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect captured file states",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured file states across program versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		metas, err := a.files.List()
		if err != nil {
			return err
		}
		if jsonOutput {
			if metas == nil {
				metas = []model.SnapshotMeta{}
			}
			return outputJSON(metas)
		}
		if len(metas) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, m := range metas {
			live := ""
			if !a.store.Has(m.Key) {
				live = " (orphan)"
			}
			fmt.Printf("%s  %-8s %-12s %s%s\n", m.Key, m.Version, m.State, m.Path, live)
		}
		return nil
	},
}

func init() {
	snapshotsCmd.AddCommand(snapshotsListCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

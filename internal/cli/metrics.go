package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var metricsTextfile string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Write the Prometheus textfile",
	Long: `Write STONIX metrics in the Prometheus text format for the node
exporter textfile collector.

The file holds the number of live events by type. fix, undo and report
also write it on exit when metrics.textfile is configured.

Examples:
  stonix metrics --textfile /var/lib/node_exporter/stonix.prom`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		path := metricsTextfile
		if path == "" {
			path = a.cfg.Metrics.Textfile
		}
		if path == "" {
			return fmt.Errorf("no textfile path: pass --textfile or set metrics.textfile")
		}

		counts := make(map[string]int)
		for _, k := range a.store.Keys() {
			ev, err := a.store.Get(k)
			if err != nil {
				continue
			}
			counts[string(ev.Type())]++
		}
		for t, n := range counts {
			a.metrics.SetLiveEvents(t, n)
		}
		if err := a.metrics.WriteTextfile(path); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"textfile": path, "live_events": counts})
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	metricsCmd.Flags().StringVar(&metricsTextfile, "textfile", "", "output path (default metrics.textfile from config)")
	rootCmd.AddCommand(metricsCmd)
}

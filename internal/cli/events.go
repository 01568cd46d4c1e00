package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stonix-project/stonix/pkg/model"
)

var eventsRule int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and maintain the change event log",
}

type eventView struct {
	Key        string          `json:"key"`
	Rule       int             `json:"rule"`
	Seq        int             `json:"seq"`
	Type       model.EventType `json:"eventtype"`
	Target     string          `json:"target,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live change events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		keys := a.store.Keys()
		if eventsRule > 0 {
			keys = a.rec.FindRuleChanges(eventsRule)
		}
		views := make([]eventView, 0, len(keys))
		for _, k := range keys {
			ev, err := a.rec.GetEvent(k)
			if err != nil {
				continue
			}
			views = append(views, eventView{
				Key:        k.String(),
				Rule:       k.Rule,
				Seq:        k.Seq,
				Type:       ev.Type(),
				Target:     ev.Payload.Target(),
				RecordedAt: ev.RecordedAt,
			})
		}

		if jsonOutput {
			return outputJSON(views)
		}
		if len(views) == 0 {
			fmt.Println("No recorded changes.")
			return nil
		}
		for _, v := range views {
			fmt.Printf("%s  %-14s %-20s %s\n", v.Key, v.Type, v.RecordedAt.Format(time.RFC3339), v.Target)
		}
		return nil
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show one change event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := model.ParseEventKey(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ev, err := a.rec.GetEvent(key)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ev)
	},
}

var eventsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a change event and its snapshots",
	Long: `Delete a change event and its snapshots.

The change it describes is not reverted; use undo for that.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := model.ParseEventKey(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.withLock(cmd.Context(), "events delete", func() error { return a.rec.DeleteEntry(key) }); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"deleted": key.String()})
		}
		fmt.Printf("Deleted event %s\n", key)
		return nil
	},
}

var eventsCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the event log without deleted events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		before := a.store.Stats()
		if err := a.withLock(cmd.Context(), "events compact", a.store.Compact); err != nil {
			return err
		}
		after := a.store.Stats()
		if jsonOutput {
			return outputJSON(map[string]any{"records_before": before.Records, "records_after": after.Records})
		}
		fmt.Printf("Compacted event log: %d -> %d records\n", before.Records, after.Records)
		return nil
	},
}

var eventsVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the event log hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.store.Verify()
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"records": n, "valid": true})
		}
		fmt.Printf("Event log intact: %d records\n", n)
		return nil
	},
}

func init() {
	eventsListCmd.Flags().IntVar(&eventsRule, "rule", 0, "only events of this rule")
	eventsCmd.AddCommand(eventsListCmd, eventsShowCmd, eventsDeleteCmd, eventsCompactCmd, eventsVerifyCmd)
	rootCmd.AddCommand(eventsCmd)
}

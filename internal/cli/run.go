package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stonix-project/stonix/internal/rule"
	"github.com/stonix-project/stonix/pkg/color"
)

var ruleNumbers []int

type ruleAction func(c *rule.Controller, ctx context.Context) ([]rule.RuleResult, error)

func ruleCommand(use, short string, locked bool, action ruleAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.controller(ruleNumbers)
			if err != nil {
				return err
			}
			var (
				results []rule.RuleResult
				runErr  error
			)
			run := func() error {
				results, runErr = action(c, cmd.Context())
				return nil
			}
			if locked {
				if err := a.withLock(cmd.Context(), use, run); err != nil {
					return err
				}
			} else {
				run()
			}

			if err := printResults(results); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("%s interrupted: %w", use, runErr)
			}
			for _, r := range results {
				if r.Error != "" {
					return fmt.Errorf("%s: rule %d failed", use, r.Number)
				}
			}
			return nil
		},
	}
}

var (
	reportCmd = ruleCommand("report", "Check rules for compliance", false, (*rule.Controller).Report)
	fixCmd    = ruleCommand("fix", "Apply rule fixes, recording every change", true, (*rule.Controller).Fix)
	undoCmd   = ruleCommand("undo", "Revert the changes recorded by rule fixes", true, (*rule.Controller).Undo)
)

func printResults(results []rule.RuleResult) error {
	if jsonOutput {
		if results == nil {
			results = []rule.RuleResult{}
		}
		return outputJSON(results)
	}
	for _, r := range results {
		status := "non-compliant"
		switch {
		case r.Error != "":
			status = "error"
		case r.Action == rule.ActionUndo && r.Undone:
			status = "undone"
		case r.Action == rule.ActionUndo:
			status = "undo incomplete"
		case r.Compliant:
			status = "compliant"
		}
		good := r.Compliant || r.Undone
		fmt.Printf("%4d  %-32s %s\n", r.Number, r.Name, color.Status(status, good, r.Error != ""))
		if r.Error != "" {
			fmt.Printf("      %s\n", color.Error(r.Error))
		}
		if r.Detail != "" {
			fmt.Printf("      %s\n", color.Dim(indent(r.Detail)))
		}
	}
	return nil
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n      ")
}

func init() {
	for _, c := range []*cobra.Command{reportCmd, fixCmd, undoCmd} {
		c.Flags().IntSliceVar(&ruleNumbers, "rule", nil, "limit to these rule numbers")
		rootCmd.AddCommand(c)
	}
}

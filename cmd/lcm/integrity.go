package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/lcm/pkg/integrity"
)

var integrityRepair bool
var integrityJSON bool

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Scan the store for invariant violations",
	Long:  `Scans the conversation store for broken invariants (dangling pointers, orphan parts, bad lineage edges). With --repair, fixable violations are repaired in one transaction.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		rt, cleanup, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		mode := integrity.ModeCheck
		if integrityRepair {
			mode = integrity.ModeRepair
		}

		checker := integrity.New(rt.store, rt.recorder)
		report, err := checker.Scan(ctx, mode)
		if err != nil {
			return err
		}

		if integrityJSON {
			return json.NewEncoder(os.Stdout).Encode(report)
		}

		if report.OK && report.PreRepairViolationCount == 0 {
			fmt.Println("OK: no violations found.")
			return nil
		}

		fmt.Printf("Found %d violations:\n", report.PreRepairViolationCount)
		for _, v := range report.Violations {
			marker := " "
			if v.Fixable {
				marker = "*"
			}
			fmt.Printf("%s %s: %s\n", marker, v.Code, v.Target)
		}
		if report.RepairResult != nil {
			fmt.Printf("\nRepaired %d, %d remaining.\n", report.RepairResult.Applied, report.RepairResult.Remaining)
		} else if len(report.RepairPlan.Actions) > 0 {
			fmt.Printf("\n%d violations are fixable, re-run with --repair.\n", len(report.RepairPlan.Actions))
		}
		if !report.OK {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	integrityCmd.Flags().BoolVar(&integrityRepair, "repair", false, "Apply the repair plan")
	integrityCmd.Flags().BoolVar(&integrityJSON, "json", false, "Emit the report as JSON")
}

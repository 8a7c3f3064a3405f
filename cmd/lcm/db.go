package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/lcm/pkg/db"
	"github.com/openclaw/lcm/pkg/db/migrations"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the lcm database (migrations, status).`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		rt, cleanup, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		set := migrations.All()
		if !rt.db.FTSAvailable() {
			set = migrations.AllWithoutFTS()
		}

		runner := db.NewMigrationRunner(rt.db.DB)
		if err := runner.Run(ctx, set); err != nil {
			return err
		}
		fmt.Println("Migrations applied.")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		rt, cleanup, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		runner := db.NewMigrationRunner(rt.db.DB)
		applied, err := runner.GetAppliedVersions(ctx)
		if err != nil {
			return err
		}

		appliedMap := make(map[int64]bool, len(applied))
		for _, v := range applied {
			appliedMap[v] = true
		}

		fmt.Println("Database Migration Status")
		fmt.Println("=========================")
		fmt.Printf("Database: %s\n\n", rt.db.Path())

		appliedCount := 0
		for _, m := range migrations.All() {
			status := "[ ]"
			if appliedMap[m.Version] {
				status = "[x]"
				appliedCount++
			}
			fmt.Printf("%s %d - %s\n", status, m.Version, m.Description)
		}
		fmt.Printf("\nApplied: %d/%d migrations\n", appliedCount, len(migrations.All()))
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
}

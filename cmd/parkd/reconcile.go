package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.reconciler.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		applied, err := a.db.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			cmd.Println("schema up to date")
			return nil
		}
		for _, name := range applied {
			cmd.Println("applied", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd, migrateCmd)
}

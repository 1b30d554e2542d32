package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aurix/cardio/internal/config"
	"github.com/aurix/cardio/internal/domain/history"
	"github.com/aurix/cardio/internal/platform/db"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and maintain the visit ledger",
	}

	// history list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived visits",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			a, err := cliApp()
			if err != nil {
				return err
			}
			defer a.Close()

			entries, total, err := a.history.History(context.Background(), limit, offset)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-30s %-4s %-10s %-9s %s\n", "NAME", "AGE", "DATE", "REPORT", "FILE")
			for _, e := range entries {
				status := "ok"
				if !e.Available {
					status = "missing"
				}
				fmt.Fprintf(w, "%-30s %-4d %-10s %-9s %s\n", e.Name, e.Age, e.Date, status, e.ArtifactName)
			}
			fmt.Fprintf(w, "%d of %d visit(s)\n", len(entries), total)
			return nil
		},
	}
	listCmd.Flags().Int("limit", 0, "Maximum rows (0 for all)")
	listCmd.Flags().Int("offset", 0, "Rows to skip")
	cmd.AddCommand(listCmd)

	// history reconcile
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report ledger rows without a stored report and reports without a row",
		RunE: func(cmd *cobra.Command, args []string) error {
			prune, _ := cmd.Flags().GetBool("prune-orphans")

			a, err := cliApp()
			if err != nil {
				return err
			}
			defer a.Close()

			reconcile := a.history.Reconcile
			if prune {
				reconcile = a.history.PruneOrphans
			}
			rep, err := reconcile(context.Background())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "checked %d row(s)\n", rep.Checked)
			for _, e := range rep.Missing {
				fmt.Fprintf(w, "missing report: %s (%s, %s)\n", e.ArtifactName, e.Name, e.Date)
			}
			for _, name := range rep.Orphans {
				fmt.Fprintf(w, "orphan report:  %s\n", name)
			}
			for _, name := range rep.Pruned {
				fmt.Fprintf(w, "removed orphan: %s\n", name)
			}
			if len(rep.Missing) == 0 && len(rep.Orphans) == 0 {
				fmt.Fprintln(w, "ledger and reports agree")
			}
			return nil
		},
	}
	reconcileCmd.Flags().Bool("prune-orphans", false, "Delete stored reports that no ledger row points at")
	cmd.AddCommand(reconcileCmd)

	// history migrate
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			statusOnly, _ := cmd.Flags().GetBool("status")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.LedgerBackend != config.BackendPostgres {
				return fmt.Errorf("history migrate needs LEDGER_BACKEND=%s, have %q", config.BackendPostgres, cfg.LedgerBackend)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.Pool())
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, history.Migrations())
			w := cmd.OutOrStdout()
			if !statusOnly {
				count, err := migrator.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(w, "Applied %d migration(s).\n", count)
			}

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	migrateCmd.Flags().Bool("status", false, "Only print migration status")
	cmd.AddCommand(migrateCmd)

	return cmd
}

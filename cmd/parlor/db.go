package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/parlor/internal/config"
	"github.com/zulandar/parlor/internal/db"
	"github.com/zulandar/parlor/internal/lobby"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Session ledger database commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBRecentCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the session ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	addConfigFlags(cmd, &configPath, nil)
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := openLedger(cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Database.Driver)
	return nil
}

func newDBRecentCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent sessions",
		Long:  "Lists recent session records, newest first. Conversation text is never stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBRecent(cmd, configPath, limit)
		},
	}

	addConfigFlags(cmd, &configPath, nil)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show")
	return cmd
}

func runDBRecent(cmd *cobra.Command, configPath string, limit int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := openLedger(cfg)
	if err != nil {
		return err
	}
	ledger, err := lobby.NewGormLedger(gormDB)
	if err != nil {
		return err
	}
	recs, err := ledger.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tPERSONA\tSTATUS\tREASON\tTURNS\tOPENED\tDURATION")
	for _, r := range recs {
		reason, duration := "-", "-"
		if r.CloseReason != "" {
			reason = r.CloseReason
		}
		if r.ClosedAt != nil {
			duration = r.ClosedAt.Sub(r.OpenedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.UserName, r.PersonaID, r.Status, reason, r.Turns,
			r.OpenedAt.Local().Format("2006-01-02 15:04"), duration)
	}
	return w.Flush()
}

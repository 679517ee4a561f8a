package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	sqlfiles "github.com/carebridge/gatekeeper/migrations"
	"github.com/carebridge/gatekeeper/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the audit database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRunner(cmd, func(ctx context.Context, r *migrations.Runner) error {
			n, err := r.Up(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", n)
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last applied migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRunner(cmd, func(ctx context.Context, r *migrations.Runner) error {
			if err := r.Down(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rolled back one migration.")
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRunner(cmd, func(ctx context.Context, r *migrations.Runner) error {
			rows, err := r.Status(ctx)
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout(), "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, st := range rows {
				state, appliedAt := "pending", "-"
				if st.Applied {
					state, appliedAt = "applied", shortTime(st.AppliedAt)
				}
				t.AddRow(st.Version, st.Name, state, appliedAt)
			}
			t.Flush()
			return nil
		})
	},
}

func init() {
	migrateCmd.PersistentFlags().String("dir", "", "Migrations directory (default: DB_MIGRATIONS_DIR, else the embedded set)")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func withRunner(cmd *cobra.Command, fn func(ctx context.Context, r *migrations.Runner) error) error {
	cfg, db, err := connectDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.Database.MigrationsDir
	}
	runner := migrations.NewRunner(db.DB, sqlfiles.FS(dir), newLogger())
	return fn(cmd.Context(), runner)
}

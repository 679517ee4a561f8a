package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/internal/infra/postgres"
	"github.com/carebridge/gatekeeper/pkg/domain/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read security events from the Postgres audit sink",
}

var auditRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent security events",
	Args:  cobra.NoArgs,
	RunE:  runAuditRecent,
}

func init() {
	auditRecentCmd.Flags().Int("limit", 20, "Maximum number of events")
	auditRecentCmd.Flags().String("severity", "", "Only show events of this severity")
	auditCmd.AddCommand(auditRecentCmd)
}

// auditReader is what the audit commands need from a store.
type auditReader interface {
	ListRecent(ctx context.Context, limit int) ([]*audit.Event, error)
}

var openAudit = func(ctx context.Context) (auditReader, func(), error) {
	_, db, err := connectDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewAuditRepository(db), func() { _ = db.Close() }, nil
}

func connectDatabase(ctx context.Context) (*config.Config, *postgres.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := postgres.New(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database %s:%d: %w", cfg.Database.Host, cfg.Database.Port, err)
	}
	return cfg, db, nil
}

func runAuditRecent(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return errors.New("--limit must be positive")
	}
	severity, _ := cmd.Flags().GetString("severity")
	if severity != "" && !audit.Severity(severity).IsValid() {
		return fmt.Errorf("unknown severity %q", severity)
	}

	store, closeFn, err := openAudit(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	events, err := store.ListRecent(ctx, limit)
	if err != nil {
		return err
	}

	records := make([]audit.Record, 0, len(events))
	for _, e := range events {
		if severity != "" && string(e.Severity()) != severity {
			continue
		}
		records = append(records, e.ToRecord())
	}

	out := cmd.OutOrStdout()
	if ok, err := printStructured(out, flagOutput, records); ok {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No events found.")
		return nil
	}
	t := newTable(out, "TIME", "TYPE", "SEVERITY", "SOURCE IP", "DESCRIPTION")
	for _, r := range records {
		t.AddRow(shortTime(r.Timestamp), string(r.EventType), string(r.Severity), r.SourceIP, truncate(r.Description, 60))
	}
	t.Flush()
	return nil
}

package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/carebridge/gatekeeper/pkg/logger"
)

// lockID is the pg_advisory_lock key that serialises migrations when
// several gateway instances start with DB_AUTO_MIGRATE at once.
const lockID int64 = 0x6761746b // "gatk"

// Runner applies migrations from fsys to a Postgres database.
type Runner struct {
	db     *sql.DB
	fsys   fs.FS
	logger *logger.Logger
}

func NewRunner(db *sql.DB, fsys fs.FS, log *logger.Logger) *Runner {
	return &Runner{db: db, fsys: fsys, logger: log.With("component", "migrations")}
}

// MigrationRecord is one row of schema_migrations.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// Status describes one known version for the admin status listing.
type Status struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// EnsureMigrationTable creates schema_migrations if it does not exist.
func (r *Runner) EnsureMigrationTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(14) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

// Applied returns the applied versions, oldest first.
func (r *Runner) Applied(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		if err := rows.Scan(&rec.Version, &rec.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Pending returns the up migrations not yet applied.
func (r *Runner) Pending(ctx context.Context) ([]Migration, error) {
	available, err := Load(r.fsys, Up)
	if err != nil {
		return nil, err
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	return pending(available, applied), nil
}

func pending(available []Migration, applied []MigrationRecord) []Migration {
	done := make(map[string]struct{}, len(applied))
	for _, rec := range applied {
		done[rec.Version] = struct{}{}
	}
	var out []Migration
	for _, m := range available {
		if _, ok := done[m.Version]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// Status lists every version found on disk or in schema_migrations.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}
	available, err := Load(r.fsys, Up)
	if err != nil {
		return nil, err
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	return status(available, applied), nil
}

func status(available []Migration, applied []MigrationRecord) []Status {
	at := make(map[string]time.Time, len(applied))
	for _, rec := range applied {
		at[rec.Version] = rec.AppliedAt
	}

	out := make([]Status, 0, len(available))
	for _, m := range available {
		t, ok := at[m.Version]
		out = append(out, Status{Version: m.Version, Name: m.Name, Applied: ok, AppliedAt: t})
		delete(at, m.Version)
	}
	// Applied versions whose files are gone still show up.
	for _, rec := range applied {
		if t, ok := at[rec.Version]; ok {
			out = append(out, Status{Version: rec.Version, Applied: true, AppliedAt: t})
		}
	}
	return out
}

// Up applies every pending migration under the advisory lock and returns
// how many ran.
func (r *Runner) Up(ctx context.Context) (applied int, err error) {
	err = r.locked(ctx, func(conn *sql.Conn) error {
		if err := r.EnsureMigrationTable(ctx); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}
		todo, err := r.Pending(ctx)
		if err != nil {
			return err
		}
		if len(todo) == 0 {
			r.logger.Info("no pending migrations")
			return nil
		}
		for _, m := range todo {
			if err := r.run(ctx, conn, m); err != nil {
				return fmt.Errorf("apply %s: %w", m, err)
			}
			applied++
			r.logger.Info("migration applied", "version", m.Version, "name", m.Name)
		}
		return nil
	})
	return applied, err
}

// Down rolls back the most recently applied migration.
func (r *Runner) Down(ctx context.Context) error {
	return r.locked(ctx, func(conn *sql.Conn) error {
		applied, err := r.Applied(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			r.logger.Info("no migrations to roll back")
			return nil
		}
		last := applied[len(applied)-1].Version

		downs, err := Load(r.fsys, Down)
		if err != nil {
			return err
		}
		for _, m := range downs {
			if m.Version != last {
				continue
			}
			if err := r.run(ctx, conn, m); err != nil {
				return fmt.Errorf("roll back %s: %w", m, err)
			}
			r.logger.Info("migration rolled back", "version", m.Version, "name", m.Name)
			return nil
		}
		return fmt.Errorf("no down migration for version %s", last)
	})
}

// locked runs fn on one connection holding the session advisory lock.
func (r *Runner) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	return fn(conn)
}

// run executes one file and records it in schema_migrations in the same
// transaction.
func (r *Runner) run(ctx context.Context, conn *sql.Conn, m Migration) error {
	content, err := fs.ReadFile(r.fsys, m.Path)
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return err
	}
	bookkeeping := `INSERT INTO schema_migrations (version) VALUES ($1)`
	if m.Direction == Down {
		bookkeeping = `DELETE FROM schema_migrations WHERE version = $1`
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, m.Version); err != nil {
		return err
	}
	return tx.Commit()
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/carebridge/gatekeeper/internal/config"
)

const (
	pingTimeout   = 5 * time.Second
	connectTries  = 3
	retryInterval = time.Second
)

// DB is the audit store's connection pool.
type DB struct {
	*sql.DB
	name string
}

// New opens a pool sized from cfg and waits until the server answers a
// ping. Transient failures are retried a few times before giving up, so a
// gateway started alongside its database does not fall back to log-only
// auditing on the first refused connection.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	db := &DB{DB: sqlDB, name: cfg.Name}
	for attempt := 1; ; attempt++ {
		err = db.Ping(ctx)
		if err == nil {
			return db, nil
		}
		if attempt == connectTries {
			break
		}
		select {
		case <-ctx.Done():
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ping database: %w", ctx.Err())
		case <-time.After(retryInterval * time.Duration(attempt)):
		}
	}

	_ = sqlDB.Close()
	return nil, fmt.Errorf("ping database after %d attempts: %w", connectTries, err)
}

// Ping bounds a single round trip; the readiness handler calls it per probe.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// StatsCollector exposes sql.DBStats for this pool under the database name.
func (db *DB) StatsCollector() prometheus.Collector {
	return collectors.NewDBStatsCollector(db.DB, db.name)
}

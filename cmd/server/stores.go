package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carebridge/gatekeeper/internal/app/admission"
	"github.com/carebridge/gatekeeper/internal/app/auditlog"
	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/internal/infra/archive"
	"github.com/carebridge/gatekeeper/internal/infra/http/handler"
	"github.com/carebridge/gatekeeper/internal/infra/postgres"
	"github.com/carebridge/gatekeeper/internal/infra/redis"
	sqlfiles "github.com/carebridge/gatekeeper/migrations"
	domainadmission "github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/logger"
	"github.com/carebridge/gatekeeper/pkg/migrations"
)

// windowRestoreTimeout bounds loading persisted rate windows at startup.
const windowRestoreTimeout = 5 * time.Second

// Stores holds the external backends. A backend that cannot be reached at
// startup is replaced by its in-process fallback so the gateway still serves.
type Stores struct {
	Redis *redis.Client
	DB    *postgres.DB

	Blacklist        domainadmission.BlacklistStore
	BlacklistBackend string
	memoryBlacklist  *admission.MemoryBlacklist
	redisBlacklist   *redis.Blacklist

	// Windows is nil when Redis is not in use.
	Windows *redis.WindowStore

	AuditSink audit.Sink
	// Archiver is nil when archiving is not configured.
	Archiver *archive.S3Archiver
}

// NewStores connects the configured backends.
func NewStores(ctx context.Context, cfg *config.Config, log *logger.Logger) *Stores {
	s := &Stores{}
	s.initBlacklist(ctx, cfg, log)
	s.initAuditSink(ctx, cfg, log)
	return s
}

func (s *Stores) initBlacklist(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	if cfg.UsesRedis() {
		client, err := redis.New(ctx, &cfg.Redis, log)
		if err == nil {
			s.Redis = client
			s.redisBlacklist = redis.NewBlacklist(client, log)
			s.Blacklist = s.redisBlacklist
			s.BlacklistBackend = config.BlacklistRedis
			log.Info("redis connected", "addr", cfg.Redis.Addr())

			if s.Windows, err = redis.NewWindowStore(client, cfg.RateLimit.Period, log); err != nil {
				log.Warn("rate window persistence disabled", "error", err)
			}
			return
		}
		log.Warn("redis unavailable, falling back to in-memory blacklist", "error", err)
	}

	s.memoryBlacklist = admission.NewMemoryBlacklist(nil)
	s.Blacklist = s.memoryBlacklist
	s.BlacklistBackend = config.BlacklistMemory
}

func (s *Stores) initAuditSink(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	sinks := []auditlog.NamedSink{{Name: config.AuditSinkLog, Sink: auditlog.NewLogSink(log)}}

	if cfg.Audit.Sink == config.AuditSinkPostgres {
		if db, err := openDatabase(ctx, cfg, log); err != nil {
			log.Warn("postgres unavailable, audit events go to the process log", "error", err)
		} else {
			s.DB = db
			sinks = []auditlog.NamedSink{{Name: config.AuditSinkPostgres, Sink: postgres.NewAuditRepository(db)}}
		}
	}

	if cfg.Audit.Archive.Enabled() {
		client, err := archive.NewS3Client(ctx, cfg.Audit.Archive)
		if err != nil {
			log.Warn("audit archive disabled", "error", err)
		} else {
			s.Archiver = archive.NewS3Archiver(client, cfg.Audit.Archive, log)
			sinks = append(sinks, auditlog.NamedSink{Name: "archive", Sink: s.Archiver})
			log.Info("audit archive enabled", "bucket", cfg.Audit.Archive.Bucket)
		}
	}

	if len(sinks) == 1 {
		s.AuditSink = sinks[0].Sink
		return
	}
	s.AuditSink = auditlog.NewMultiSink(sinks...)
}

func openDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) (*postgres.DB, error) {
	db, err := postgres.New(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("database connected", "host", cfg.Database.Host, "name", cfg.Database.Name)
	if err := prometheus.Register(db.StatsCollector()); err != nil {
		log.Warn("database pool metrics not registered", "error", err)
	}

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(db.DB, sqlfiles.FS(cfg.Database.MigrationsDir), log)
		if _, err := runner.Up(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// HealthChecks returns the readiness checks for the connected backends.
func (s *Stores) HealthChecks() []handler.HealthHandlerOption {
	var opts []handler.HealthHandlerOption
	if s.Redis != nil {
		opts = append(opts, handler.WithRedis(s.Redis))
	}
	if s.DB != nil {
		opts = append(opts, handler.WithDatabase(s.DB))
	}
	return opts
}

// RestoreWindows seeds the limiter from the last persisted snapshot.
func (s *Stores) RestoreWindows(ctx context.Context, limiter *admission.Limiter, log *logger.Logger) {
	if s.Windows == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, windowRestoreTimeout)
	defer cancel()

	snaps, err := s.Windows.Load(ctx)
	if err != nil {
		log.Warn("could not restore rate windows", "error", err)
		return
	}
	if n := limiter.Restore(snaps); n > 0 {
		log.Info("rate windows restored", "windows", n)
	}
}

// SaveWindows persists the limiter's windows once more before exit.
func (s *Stores) SaveWindows(ctx context.Context, limiter *admission.Limiter, log *logger.Logger) {
	if s.Windows == nil {
		return
	}
	if _, err := s.Windows.Save(ctx, limiter.Snapshot()); err != nil {
		log.Warn("could not persist rate windows", "error", err)
	}
}

// Close closes the backend connections.
func (s *Stores) Close(log *logger.Logger) {
	if s.Redis != nil {
		closeWithLog(s.Redis, "redis", log)
	}
	if s.DB != nil {
		closeWithLog(s.DB, "database", log)
	}
}

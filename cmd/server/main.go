package main

import (
	"context"
	"errors"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/carebridge/gatekeeper/internal/app/admission"
	"github.com/carebridge/gatekeeper/internal/app/auditlog"
	"github.com/carebridge/gatekeeper/internal/app/threat"
	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/internal/infra/http"
	"github.com/carebridge/gatekeeper/internal/infra/http/handler"
	"github.com/carebridge/gatekeeper/internal/infra/http/middleware"
	"github.com/carebridge/gatekeeper/internal/infra/http/routes"
	"github.com/carebridge/gatekeeper/internal/infra/redis"
	"github.com/carebridge/gatekeeper/internal/infra/tracing"
	"github.com/carebridge/gatekeeper/pkg/jwt"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	defer closeWithLog(log, "logger", log)
	for _, w := range cfg.Warnings {
		log.Warn("configuration fallback", "detail", w)
	}
	log.Info("starting gatekeeper", "app", cfg.App.Name, "env", cfg.App.Env)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, cfg.App.Name, cfg.App.Env)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		return 1
	}

	// ==========================================================================
	// Stores
	// ==========================================================================
	stores := NewStores(ctx, cfg, log)
	defer stores.Close(log)

	auditLogger := auditlog.New(stores.AuditSink, auditlog.Config{
		QueueSize:     cfg.Audit.QueueSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		WriteTimeout:  cfg.Audit.WriteTimeout,
	}, log)

	// ==========================================================================
	// Admission pipeline
	// ==========================================================================
	engine := newThreatEngine(cfg, log)
	engine.Start()

	limiter := admission.NewLimiter(admission.LimiterConfig{
		Limit:         cfg.RateLimit.Limit,
		Period:        cfg.RateLimit.Period,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, log)
	stores.RestoreWindows(ctx, limiter, log)
	limiter.Start()

	allowList, errs := admission.ParseAllowList(cfg.Admission.AllowList)
	for _, e := range errs {
		log.Warn("skipping allow-list entry", "error", e)
	}
	if cfg.Admission.AllowListEnabled && allowList.Empty() {
		log.Warn("allow-list enabled but empty, every client is admitted")
	}

	filter := admission.NewFilter(admission.FilterConfig{
		AllowList:        allowList,
		AllowListEnabled: cfg.Admission.AllowListEnabled,
		BlacklistTimeout: cfg.Admission.BlacklistTimeout,
	}, stores.Blacklist, auditLogger, log)

	policy := admission.NewPolicy(admission.PolicyConfig{
		Thresholds: admission.Thresholds{
			HighBlockCount:      cfg.Escalation.HighBlockCount,
			MediumThrottleCount: cfg.Escalation.MediumThrottleCount,
		},
		BlockTTL:         cfg.Escalation.BlockTTL,
		CooldownLimit:    cfg.Escalation.CooldownLimit,
		CooldownDuration: cfg.Escalation.CooldownDuration,
	}, stores.Blacklist, limiter, auditLogger, log)

	pipeline := admission.NewPipeline(admission.PipelineConfig{
		HealthPath:      cfg.Admission.HealthPath,
		ExemptPaths:     cfg.RateLimit.ExemptPaths,
		ThreatDetection: cfg.Threat.Enabled,
	}, filter, limiter, engine, policy, log)
	log.Info("admission pipeline ready",
		"stages", pipeline.Stages(),
		"rules", engine.Rules(),
		"allow_list_entries", allowList.Len(),
		"blacklist_backend", stores.BlacklistBackend,
	)

	// ==========================================================================
	// HTTP Server
	// ==========================================================================
	admissionCfg := middleware.AdmissionConfig{
		TrustProxyHeaders: cfg.Admission.TrustProxyHeaders,
		APIKeyHeader:      cfg.Admission.APIKeyHeader,
		Feedback:          engine,
	}
	if cfg.Auth.JWTSecret != "" {
		admissionCfg.Verifier = jwt.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTLeeway)
	}

	handlers := routes.Handlers{Health: handler.NewHealthHandler(stores.HealthChecks()...)}
	if cfg.Upstream.URL != "" {
		upstream, err := url.Parse(cfg.Upstream.URL)
		if err != nil {
			log.Error("invalid upstream url", "error", err)
			return 1
		}
		handlers.Proxy = handler.NewProxyHandler(handler.ProxyConfig{
			Upstream: upstream,
			Timeout:  cfg.Upstream.Timeout,
		}, log)
	} else {
		log.Warn("UPSTREAM_URL not set, admitted requests are answered with 404")
	}

	server := http.NewServer(cfg, log)
	routes.Register(server.Router(), handlers, middleware.Admission(pipeline, admissionCfg, log))
	log.Debug("routes registered", "routes", server.Router().Routes())

	// ==========================================================================
	// Background jobs
	// ==========================================================================
	scheduler, err := NewScheduler(cfg, stores, limiter, log)
	if err != nil {
		log.Error("failed to schedule jobs", "error", err)
		return 1
	}
	scheduler.Start()

	if stores.Redis != nil {
		if err := prometheus.Register(redis.NewPoolCollector(stores.Redis)); err != nil {
			log.Warn("redis pool metrics not registered", "error", err)
		}
	}

	// ==========================================================================
	// Run until signalled
	// ==========================================================================
	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting requests before draining the components behind them.
		err := server.Shutdown(shutdownCtx)

		stores.SaveWindows(shutdownCtx, limiter, log)
		if err := scheduler.Stop(shutdownCtx); err != nil {
			log.Warn("scheduler did not stop cleanly", "error", err)
		}
		if err := auditLogger.Close(shutdownCtx); err != nil {
			log.Warn("audit logger did not drain", "error", err)
		}
		limiter.Stop()
		engine.Stop()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
		return err
	})

	log.Info("gatekeeper started", "http_addr", cfg.Server.Addr())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("gatekeeper stopped with error", "error", err)
		return 1
	}

	log.Info("gatekeeper stopped")
	return 0
}

// =============================================================================
// Helper Functions
// =============================================================================

func initLogger(cfg *config.Config) *logger.Logger {
	async := logger.DefaultAsyncConfig()
	async.Enabled = cfg.Log.Async
	if cfg.Log.AsyncBufferSize > 0 {
		async.BufferSize = cfg.Log.AsyncBufferSize
	}

	var log *logger.Logger
	if cfg.IsProduction() {
		//nolint:gosec // G115: SamplingThreshold is validated non-negative in config.Validate()
		threshold := uint64(cfg.Log.SamplingThreshold)
		log = logger.NewProduction(cfg.Log.Level, logger.SamplingConfig{
			Enabled:       cfg.Log.SamplingEnabled,
			Tick:          time.Second,
			Threshold:     threshold,
			Rate:          cfg.Log.SamplingRate,
			ErrorRate:     cfg.Log.ErrorSamplingRate,
			EnableMetrics: true,
		}, async)
	} else {
		log = logger.New(logger.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: os.Stdout,
			Async:  async,
		})
	}
	log.SetDefault()
	return log
}

// newThreatEngine builds the scoring engine. A rules file that cannot be
// loaded leaves the built-in rules in force.
func newThreatEngine(cfg *config.Config, log *logger.Logger) *threat.Engine {
	engineCfg := threat.Config{
		Sensitivity:   threat.Sensitivity(cfg.Threat.Sensitivity),
		AuthPaths:     cfg.Admission.AuthPaths,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}
	if cfg.Threat.RulesFile != "" {
		catalog, err := threat.LoadCatalog(cfg.Threat.RulesFile)
		if err != nil {
			log.Warn("threat rules file not loaded, using built-in rules",
				"error", err,
				"file", cfg.Threat.RulesFile,
			)
		} else {
			engineCfg.Catalog = catalog
		}
	}
	return threat.NewEngine(engineCfg, log)
}

type closer interface {
	Close() error
}

func closeWithLog(c closer, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}

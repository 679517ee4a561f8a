// Package threat scores requests against a fixed set of independent rules.
package threat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// Config configures the engine.
type Config struct {
	Sensitivity Sensitivity
	// AuthPaths are the endpoints whose responses feed the brute-force tracker.
	AuthPaths []string
	// Catalog adds patterns and scanner signatures to the built-ins. Optional.
	Catalog       *Catalog
	SweepInterval time.Duration
}

// Engine runs every rule against a request and concatenates the results.
type Engine struct {
	rules     []Rule
	tuning    Tuning
	authPaths map[string]struct{}
	failures  *FailureTracker
	volume    *VolumeTracker
	now       func() time.Time
	sweep     time.Duration
	logger    *logger.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used by the trackers.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRules replaces the rule set.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// NewEngine creates an Engine with the built-in rules tuned for cfg.Sensitivity.
func NewEngine(cfg Config, log *logger.Logger, opts ...Option) *Engine {
	sens, ok := ParseSensitivity(string(cfg.Sensitivity))
	log = log.With("component", "threat_engine")
	if !ok {
		log.Warn("invalid threat detection sensitivity, using medium", "sensitivity", cfg.Sensitivity)
	}
	tuning := sens.Tuning()

	authPaths := make(map[string]struct{}, len(cfg.AuthPaths))
	for _, p := range cfg.AuthPaths {
		if p != "" {
			authPaths[p] = struct{}{}
		}
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}

	extra := cfg.Catalog.Compiled()
	e := &Engine{
		rules: []Rule{
			NewInjectionRule(extra),
			NewXSSRule(extra),
			NewPathRule(tuning.ScannerSeverity, cfg.Catalog.scannerSignatures()),
			NewBruteForceRule(tuning.BruteForceHigh, tuning.BruteForceCritical),
			NewVolumeRule(tuning.VolumeFactor, tuning.VolumeMinCount, tuning.VolumeMinHistory),
		},
		tuning:    tuning,
		authPaths: authPaths,
		failures:  NewFailureTracker(tuning.BruteForceWindow, tuning.BruteForceCritical*2),
		volume:    NewVolumeTracker(30 * time.Minute),
		now:       time.Now,
		sweep:     sweep,
		logger:    log,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger.Info("threat engine configured",
		"sensitivity", sens,
		"rules", e.Rules(),
		"extra_patterns", len(extra),
	)
	return e
}

// Rules returns the rule names in evaluation order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Tuning returns the active thresholds.
func (e *Engine) Tuning() Tuning {
	return e.tuning
}

// IsAuthPath reports whether path is an authentication endpoint.
func (e *Engine) IsAuthPath(path string) bool {
	_, ok := e.authPaths[path]
	return ok
}

// Score records the request in the volume tracker, then runs every rule.
// A rule that fails or panics contributes nothing; the others still run.
func (e *Engine) Score(_ context.Context, sample *admission.RequestSample) []admission.ThreatIndicator {
	key := sample.Identity().Key()
	now := e.now()

	in := &Input{
		Sample:   sample,
		Fields:   fields(sample),
		AuthPath: e.IsAuthPath(sample.Path()),
		Volume:   e.volume.Observe(key, now),
	}
	if in.AuthPath {
		in.AuthFailures = e.failures.Count(key, now)
	}

	var out []admission.ThreatIndicator
	for _, r := range e.rules {
		inds, err := e.evaluate(r, in)
		if err != nil {
			metrics.ThreatRuleErrorsTotal.WithLabelValues(r.Name()).Inc()
			e.logger.Debug("threat rule skipped", "rule", r.Name(), "error", err)
			continue
		}
		out = append(out, inds...)
	}

	for _, ind := range out {
		metrics.ThreatIndicatorsTotal.WithLabelValues(string(ind.Type), string(ind.Severity)).Inc()
	}
	return out
}

func (e *Engine) evaluate(r Rule, in *Input) (inds []admission.ThreatIndicator, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rule panicked: %v", p)
		}
	}()
	return r.Evaluate(in)
}

// RecordAuthFailure counts a failed authentication for the identity.
func (e *Engine) RecordAuthFailure(id admission.ClientIdentity) int {
	return e.failures.RecordFailure(id.Key(), e.now())
}

// RecordAuthSuccess resets the identity's failure count.
func (e *Engine) RecordAuthSuccess(id admission.ClientIdentity) {
	e.failures.Reset(id.Key())
}

// Sweep evicts expired tracker state.
func (e *Engine) Sweep() {
	now := e.now()
	metrics.TrackedIdentities.WithLabelValues("auth_failures").Set(float64(e.failures.Sweep(now)))
	metrics.TrackedIdentities.WithLabelValues("volume").Set(float64(e.volume.Sweep(now)))
}

// Start launches the background tracker sweep. Safe to call multiple times.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.sweepLoop()
	})
}

// Stop stops the background sweep and waits for it to exit.
// Safe to call multiple times, and before Start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
	e.startOnce.Do(func() { close(e.stopped) })
	<-e.stopped
}

func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()
	defer close(e.stopped)

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

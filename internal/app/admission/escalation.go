package admission

import (
	"context"
	"time"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// Thresholds are the corroboration counts the escalation rules require.
type Thresholds struct {
	// HighBlockCount high indicators in one request lead to Block (default: 2)
	HighBlockCount int
	// MediumThrottleCount medium indicators in one request lead to Throttle (default: 3)
	MediumThrottleCount int
}

// DefaultThresholds returns the default escalation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{HighBlockCount: 2, MediumThrottleCount: 3}
}

// Escalate applies the escalation rules in fixed order, first match wins:
//
//  1. any critical indicator: Block
//  2. HighBlockCount or more high indicators: Block
//  3. rate limit exceeded: Throttle
//  4. MediumThrottleCount or more medium indicators: Throttle
//  5. otherwise: Allow
func Escalate(th Thresholds, indicators []admission.ThreatIndicator, rateLimitExceeded bool) (admission.Decision, admission.ReasonCode) {
	c := admission.CountSeverities(indicators)
	switch {
	case c.Critical > 0:
		return admission.DecisionBlock, admission.ReasonCritical
	case th.HighBlockCount > 0 && c.High >= th.HighBlockCount:
		return admission.DecisionBlock, admission.ReasonMultipleHigh
	case rateLimitExceeded:
		return admission.DecisionThrottle, admission.ReasonRateLimited
	case th.MediumThrottleCount > 0 && c.Medium >= th.MediumThrottleCount:
		return admission.DecisionThrottle, admission.ReasonMediumVolume
	default:
		return admission.DecisionAllow, admission.ReasonNone
	}
}

// Tightener lowers an identity's effective rate limit for a while.
type Tightener interface {
	Tighten(id admission.ClientIdentity, limit int, cooldown time.Duration)
}

// PolicyConfig configures the escalation policy.
type PolicyConfig struct {
	Thresholds Thresholds
	// BlockTTL is how long a Block keeps the identity blacklisted (default: 1h)
	BlockTTL time.Duration
	// CooldownLimit is the stricter limit applied on a medium-volume Throttle (default: 10)
	CooldownLimit int
	// CooldownDuration is how long the stricter limit applies (default: 5m)
	CooldownDuration time.Duration
	// BlacklistWriteTimeout bounds the blacklist write on Block (default: 250ms)
	BlacklistWriteTimeout time.Duration
}

func (c *PolicyConfig) applyDefaults() {
	if c.Thresholds.HighBlockCount <= 0 {
		c.Thresholds.HighBlockCount = DefaultThresholds().HighBlockCount
	}
	if c.Thresholds.MediumThrottleCount <= 0 {
		c.Thresholds.MediumThrottleCount = DefaultThresholds().MediumThrottleCount
	}
	if c.BlockTTL <= 0 {
		c.BlockTTL = time.Hour
	}
	if c.CooldownLimit <= 0 {
		c.CooldownLimit = 10
	}
	if c.CooldownDuration <= 0 {
		c.CooldownDuration = 5 * time.Minute
	}
	if c.BlacklistWriteTimeout <= 0 {
		c.BlacklistWriteTimeout = 250 * time.Millisecond
	}
}

// Policy turns indicators and rate-limit state into a decision and applies
// its side effects: blacklist writes, limit tightening and audit events.
type Policy struct {
	cfg       PolicyConfig
	blacklist admission.BlacklistStore
	tightener Tightener
	audit     audit.Logger
	now       func() time.Time
	logger    *logger.Logger
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithPolicyClock overrides the time source used for blacklist entries.
func WithPolicyClock(now func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = now }
}

// NewPolicy creates a Policy.
func NewPolicy(cfg PolicyConfig, blacklist admission.BlacklistStore, tightener Tightener, auditLog audit.Logger, log *logger.Logger, opts ...PolicyOption) *Policy {
	cfg.applyDefaults()
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	p := &Policy{
		cfg:       cfg,
		blacklist: blacklist,
		tightener: tightener,
		audit:     auditLog,
		now:       time.Now,
		logger:    log.With("component", "escalation_policy"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() PolicyConfig {
	return p.cfg
}

// Decide escalates and applies side effects. An audit event is emitted for
// every non-Allow outcome and for every high or critical indicator.
func (p *Policy) Decide(ctx context.Context, sample *admission.RequestSample, indicators []admission.ThreatIndicator, rate RateStatus) admission.Result {
	for _, ind := range indicators {
		if ind.Severity == admission.SeverityHigh || ind.Severity == admission.SeverityCritical {
			p.auditIndicator(sample, ind)
		}
	}

	decision, code := Escalate(p.cfg.Thresholds, indicators, !rate.WithinLimit)

	switch decision {
	case admission.DecisionBlock:
		reason := "Request blocked: " + describe(dominant(indicators))
		res := admission.Block(code, reason)
		p.block(ctx, sample, indicators, res)
		return res

	case admission.DecisionThrottle:
		if code == admission.ReasonRateLimited {
			res := admission.Throttle(code, "Rate limit exceeded, please retry later", rate.RetryAfter)
			p.auditThrottle(sample, res, map[string]any{
				"count": rate.CurrentCount,
				"limit": rate.Limit,
			})
			return res
		}

		res := admission.Throttle(code,
			"Too many suspicious requests: "+describe(dominant(indicators)),
			p.cfg.CooldownDuration)
		if p.tightener != nil {
			p.tightener.Tighten(sample.Identity(), p.cfg.CooldownLimit, p.cfg.CooldownDuration)
			p.auditTightened(sample)
		}
		p.auditThrottle(sample, res, map[string]any{"indicators": summarize(indicators)})
		return res

	default:
		if len(indicators) > 0 {
			p.logger.Info("security: threat indicators observed",
				"identity", sample.Identity().Key(),
				"path", sample.Path(),
				"indicators", summarize(indicators),
			)
		}
		return admission.Allow(admission.ReasonNone)
	}
}

func (p *Policy) block(ctx context.Context, sample *admission.RequestSample, indicators []admission.ThreatIndicator, res admission.Result) {
	entry := admission.NewBlacklistEntry(sample.Identity(), describe(dominant(indicators)), p.now(), p.cfg.BlockTTL)

	var writeErr error
	if p.blacklist != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.BlacklistWriteTimeout)
		writeErr = p.blacklist.Add(wctx, entry)
		cancel()
	}

	ev, err := audit.NewEvent(audit.EventRequestBlocked, blockSeverity(indicators), res.Reason)
	if err == nil {
		ev.WithSource(sample.IP(), sample.UserID()).
			WithRequestID(sample.RequestID()).
			WithDetail("reason", string(res.Code)).
			WithDetail("path", sample.Path()).
			WithDetail("method", sample.Method()).
			WithDetail("indicators", summarize(indicators))
		if writeErr != nil {
			ev.WithDetail("blacklist_write_failed", writeErr.Error())
		}
		_ = p.audit.Log(ev)
	}

	if writeErr != nil {
		metrics.BlacklistWritesTotal.WithLabelValues("error").Inc()
		p.logger.Warn("security: blacklist write failed, block applies to this request only",
			"error", writeErr,
			"identity", entry.Identity,
		)
		return
	}
	if p.blacklist == nil {
		return
	}

	metrics.BlacklistWritesTotal.WithLabelValues("success").Inc()
	if ev, err := audit.NewEvent(audit.EventIdentityBlacklisted, audit.SeverityHigh, "identity blacklisted: "+entry.Reason); err == nil {
		_ = p.audit.Log(ev.
			WithSource(sample.IP(), sample.UserID()).
			WithRequestID(sample.RequestID()).
			WithDetail("identity", entry.Identity).
			WithDetail("expires_at", entry.ExpiresAt))
	}
}

func (p *Policy) auditIndicator(sample *admission.RequestSample, ind admission.ThreatIndicator) {
	ev, err := audit.NewEvent(audit.EventThreatDetected, audit.Severity(ind.Severity), ind.Description)
	if err != nil {
		return
	}
	_ = p.audit.Log(ev.
		WithSource(ind.SourceIP, ind.UserID).
		WithRequestID(sample.RequestID()).
		WithDetail("threat_type", string(ind.Type)).
		WithDetail("path", sample.Path()).
		WithDetail("method", sample.Method()).
		WithDetails(ind.Details))
}

func (p *Policy) auditThrottle(sample *admission.RequestSample, res admission.Result, details map[string]any) {
	ev, err := audit.NewEvent(audit.EventRequestThrottled, audit.SeverityMedium, res.Reason)
	if err != nil {
		return
	}
	_ = p.audit.Log(ev.
		WithSource(sample.IP(), sample.UserID()).
		WithRequestID(sample.RequestID()).
		WithDetail("reason", string(res.Code)).
		WithDetail("retry_after_seconds", res.RetryAfter.Seconds()).
		WithDetail("path", sample.Path()).
		WithDetails(details))
}

func (p *Policy) auditTightened(sample *admission.RequestSample) {
	ev, err := audit.NewEvent(audit.EventLimitTightened, audit.SeverityMedium, "rate limit tightened for cool-down")
	if err != nil {
		return
	}
	_ = p.audit.Log(ev.
		WithSource(sample.IP(), sample.UserID()).
		WithRequestID(sample.RequestID()).
		WithDetail("limit", p.cfg.CooldownLimit).
		WithDetail("cooldown_seconds", p.cfg.CooldownDuration.Seconds()))
}

func blockSeverity(indicators []admission.ThreatIndicator) audit.Severity {
	if admission.CountSeverities(indicators).Critical > 0 {
		return audit.SeverityCritical
	}
	return audit.SeverityHigh
}

// dominant returns the type of the most severe indicator. Ties go to the
// first indicator produced.
func dominant(indicators []admission.ThreatIndicator) admission.ThreatType {
	var (
		best admission.ThreatType
		rank int
	)
	for _, ind := range indicators {
		if r := ind.Severity.Rank(); r > rank {
			best, rank = ind.Type, r
		}
	}
	return best
}

// describe returns the client-safe description of a threat type.
func describe(t admission.ThreatType) string {
	switch t {
	case admission.ThreatSQLInjection:
		return "SQL injection pattern detected"
	case admission.ThreatCommandInjection:
		return "command injection pattern detected"
	case admission.ThreatXSS:
		return "cross-site scripting pattern detected"
	case admission.ThreatPathTraversal:
		return "path traversal attempt detected"
	case admission.ThreatScannerProbe:
		return "vulnerability scanning detected"
	case admission.ThreatBruteForce:
		return "too many failed authentication attempts"
	case admission.ThreatAnomalousVolume:
		return "unusual request volume detected"
	default:
		return "suspicious activity detected"
	}
}

// summarize renders indicators as "type:severity" labels for logs and audit details.
func summarize(indicators []admission.ThreatIndicator) []string {
	out := make([]string, len(indicators))
	for i, ind := range indicators {
		out[i] = string(ind.Type) + ":" + string(ind.Severity)
	}
	return out
}

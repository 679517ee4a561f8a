package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

func indicators(sevs ...admission.Severity) []admission.ThreatIndicator {
	out := make([]admission.ThreatIndicator, len(sevs))
	for i, s := range sevs {
		out[i] = admission.ThreatIndicator{Type: admission.ThreatXSS, Severity: s}
	}
	return out
}

func TestEscalate(t *testing.T) {
	const (
		low      = admission.SeverityLow
		medium   = admission.SeverityMedium
		high     = admission.SeverityHigh
		critical = admission.SeverityCritical
	)

	tests := []struct {
		name       string
		indicators []admission.ThreatIndicator
		exceeded   bool
		want       admission.Decision
		wantCode   admission.ReasonCode
	}{
		{"no indicators", nil, false, admission.DecisionAllow, admission.ReasonNone},
		{"single critical", indicators(critical), false, admission.DecisionBlock, admission.ReasonCritical},
		{"two high", indicators(high, high), false, admission.DecisionBlock, admission.ReasonMultipleHigh},
		{"single high is allowed", indicators(high), false, admission.DecisionAllow, admission.ReasonNone},
		{"three medium", indicators(medium, medium, medium), false, admission.DecisionThrottle, admission.ReasonMediumVolume},
		{"two medium", indicators(medium, medium), false, admission.DecisionAllow, admission.ReasonNone},
		{"many low", indicators(low, low, low, low, low), false, admission.DecisionAllow, admission.ReasonNone},
		{"rate exceeded", nil, true, admission.DecisionThrottle, admission.ReasonRateLimited},
		{"critical beats rate", indicators(critical), true, admission.DecisionBlock, admission.ReasonCritical},
		{"rate beats medium volume", indicators(medium, medium, medium), true, admission.DecisionThrottle, admission.ReasonRateLimited},
		{"high plus medium", indicators(high, medium, medium), false, admission.DecisionAllow, admission.ReasonNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, code := Escalate(DefaultThresholds(), tt.indicators, tt.exceeded)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCode, code)

			// Same input, same output.
			again, _ := Escalate(DefaultThresholds(), tt.indicators, tt.exceeded)
			assert.Equal(t, got, again)
		})
	}
}

func TestEscalate_CustomThresholds(t *testing.T) {
	th := Thresholds{HighBlockCount: 1, MediumThrottleCount: 5}

	got, _ := Escalate(th, indicators(admission.SeverityHigh), false)
	assert.Equal(t, admission.DecisionBlock, got)

	got, _ = Escalate(th, indicators(admission.SeverityMedium, admission.SeverityMedium, admission.SeverityMedium), false)
	assert.Equal(t, admission.DecisionAllow, got)
}

type recordingTightener struct {
	mu       sync.Mutex
	calls    int
	limit    int
	cooldown time.Duration
}

func (r *recordingTightener) Tighten(_ admission.ClientIdentity, limit int, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.limit, r.cooldown = limit, cooldown
}

func newTestPolicy(bl admission.BlacklistStore, tt Tightener, rec *recordingAudit, clock *fakeClock) *Policy {
	return NewPolicy(PolicyConfig{}, bl, tt, rec, logger.NewNop(), WithPolicyClock(clock.Now))
}

func withinLimit() RateStatus {
	return RateStatus{WithinLimit: true, CurrentCount: 1, Limit: 60}
}

func TestPolicy_BlockWritesBlacklist(t *testing.T) {
	clock := newFakeClock()
	bl := NewMemoryBlacklist(clock.Now)
	rec := &recordingAudit{}
	p := newTestPolicy(bl, nil, rec, clock)

	sample := sampleFrom("203.0.113.9", "")
	sqli := admission.NewThreatIndicator(sample, admission.ThreatSQLInjection, admission.SeverityCritical, "tautology")

	res := p.Decide(context.Background(), sample, []admission.ThreatIndicator{sqli}, withinLimit())
	assert.Equal(t, admission.DecisionBlock, res.Decision)
	assert.Equal(t, 403, res.HTTPStatus)
	assert.Equal(t, "Request blocked: SQL injection pattern detected", res.Reason)

	entry, err := bl.Lookup(context.Background(), sample.Identity().Key())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, clock.Now().Add(time.Hour), entry.ExpiresAt)

	assert.Equal(t, []audit.EventType{
		audit.EventThreatDetected,
		audit.EventRequestBlocked,
		audit.EventIdentityBlacklisted,
	}, rec.types())
}

func TestPolicy_BlockSurvivesBlacklistFailure(t *testing.T) {
	clock := newFakeClock()
	rec := &recordingAudit{}
	p := newTestPolicy(failingBlacklist{err: errors.New("redis down")}, nil, rec, clock)

	sample := sampleFrom("203.0.113.9", "")
	res := p.Decide(context.Background(), sample, []admission.ThreatIndicator{
		admission.NewThreatIndicator(sample, admission.ThreatXSS, admission.SeverityHigh, "script tag"),
		admission.NewThreatIndicator(sample, admission.ThreatPathTraversal, admission.SeverityHigh, "dot-dot"),
	}, withinLimit())

	assert.Equal(t, admission.DecisionBlock, res.Decision)
	assert.Equal(t, admission.ReasonMultipleHigh, res.Code)
	assert.Equal(t, 0, rec.count(audit.EventIdentityBlacklisted))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var blocked *audit.Event
	for _, ev := range rec.events {
		if ev.Type() == audit.EventRequestBlocked {
			blocked = ev
		}
	}
	require.NotNil(t, blocked)
	assert.Equal(t, "redis down", blocked.Details()["blacklist_write_failed"])
}

func TestPolicy_RateLimitedThrottle(t *testing.T) {
	clock := newFakeClock()
	rec := &recordingAudit{}
	tt := &recordingTightener{}
	p := newTestPolicy(NewMemoryBlacklist(clock.Now), tt, rec, clock)

	res := p.Decide(context.Background(), sampleFrom("10.0.0.5", ""), nil, RateStatus{
		WithinLimit:  false,
		CurrentCount: 60,
		Limit:        60,
		RetryAfter:   12 * time.Second,
	})

	assert.Equal(t, admission.DecisionThrottle, res.Decision)
	assert.Equal(t, 429, res.HTTPStatus)
	assert.Equal(t, 12*time.Second, res.RetryAfter)
	assert.Zero(t, tt.calls, "plain rate limiting does not tighten")
	assert.Equal(t, []audit.EventType{audit.EventRequestThrottled}, rec.types())
}

func TestPolicy_MediumVolumeTightens(t *testing.T) {
	clock := newFakeClock()
	rec := &recordingAudit{}
	tt := &recordingTightener{}
	p := newTestPolicy(NewMemoryBlacklist(clock.Now), tt, rec, clock)

	sample := sampleFrom("10.0.0.5", "")
	ind := admission.NewThreatIndicator(sample, admission.ThreatScannerProbe, admission.SeverityMedium, "probe")
	res := p.Decide(context.Background(), sample, []admission.ThreatIndicator{ind, ind, ind}, withinLimit())

	assert.Equal(t, admission.DecisionThrottle, res.Decision)
	assert.Equal(t, admission.ReasonMediumVolume, res.Code)
	assert.Equal(t, 5*time.Minute, res.RetryAfter)
	assert.Equal(t, 1, tt.calls)
	assert.Equal(t, 10, tt.limit)
	assert.Equal(t, 5*time.Minute, tt.cooldown)
	assert.ElementsMatch(t, []audit.EventType{audit.EventLimitTightened, audit.EventRequestThrottled}, rec.types())
}

func TestPolicy_SingleHighAllowedButAudited(t *testing.T) {
	clock := newFakeClock()
	rec := &recordingAudit{}
	bl := NewMemoryBlacklist(clock.Now)
	p := newTestPolicy(bl, nil, rec, clock)

	sample := sampleFrom("10.0.0.5", "")
	res := p.Decide(context.Background(), sample, []admission.ThreatIndicator{
		admission.NewThreatIndicator(sample, admission.ThreatXSS, admission.SeverityHigh, "event handler"),
		admission.NewThreatIndicator(sample, admission.ThreatScannerProbe, admission.SeverityLow, "wp-admin"),
	}, withinLimit())

	assert.True(t, res.Allowed())
	assert.Equal(t, []audit.EventType{audit.EventThreatDetected}, rec.types())
	assert.Equal(t, 0, bl.Len())
}

func TestDominant(t *testing.T) {
	got := dominant([]admission.ThreatIndicator{
		{Type: admission.ThreatScannerProbe, Severity: admission.SeverityLow},
		{Type: admission.ThreatXSS, Severity: admission.SeverityHigh},
		{Type: admission.ThreatPathTraversal, Severity: admission.SeverityHigh},
	})
	assert.Equal(t, admission.ThreatXSS, got)
	assert.Equal(t, "suspicious activity detected", describe(dominant(nil)))
}

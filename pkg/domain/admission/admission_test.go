package admission

import (
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientIdentity_Key(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.5")

	plain := NewClientIdentity(ip, "")
	assert.Equal(t, "ip:10.0.0.5", plain.Key())
	assert.False(t, plain.HasAPIKey())

	a := NewClientIdentity(ip, "key-a")
	b := NewClientIdentity(ip, "key-b")
	assert.NotEqual(t, a.Key(), b.Key(), "different API keys must be distinct identities")
	assert.NotEqual(t, plain.Key(), a.Key())
	assert.NotContains(t, a.Key(), "key-a", "raw API key must not appear in the state key")
	assert.Equal(t, a.Key(), NewClientIdentity(ip, "key-a").Key(), "key must be stable")
}

func TestClientIdentity_UnmapsIPv4(t *testing.T) {
	mapped := netip.MustParseAddr("::ffff:10.0.0.5")
	id := NewClientIdentity(mapped, "")
	assert.Equal(t, "ip:10.0.0.5", id.Key())
	assert.True(t, id.IP().Is4())
}

func TestNewRequestSample_CopiesAndTruncates(t *testing.T) {
	headers := http.Header{}
	headers.Set("User-Agent", "curl/8.0")
	headers.Set("Authorization", "Bearer secret")
	query := url.Values{"q": {"hello"}}
	body := []byte(strings.Repeat("é", MaxBodyExcerpt+50))

	s := NewRequestSample(SampleInput{
		Identity: NewClientIdentity(netip.MustParseAddr("10.0.0.5"), ""),
		Method:   http.MethodPost,
		Path:     "/api/v1/programs",
		Headers:  headers,
		Query:    query,
		Body:     body,
	})

	assert.Equal(t, "curl/8.0", s.Header("User-Agent"))
	assert.Empty(t, s.Header("Authorization"), "only sampled headers are kept")
	assert.Equal(t, MaxBodyExcerpt, len([]rune(s.BodyExcerpt())))
	assert.False(t, s.Timestamp().IsZero())

	// Mutating inputs or returned copies must not change the sample.
	query.Set("q", "changed")
	s.Query().Set("q", "changed")
	s.Headers().Set("User-Agent", "changed")
	assert.Equal(t, "hello", s.Query().Get("q"))
	assert.Equal(t, "curl/8.0", s.Header("User-Agent"))
}

func TestBlacklistEntry_Active(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	id := NewClientIdentity(netip.MustParseAddr("203.0.113.9"), "")
	e := NewBlacklistEntry(id, "brute force", now, time.Hour)

	assert.True(t, e.Active(now))
	assert.True(t, e.Active(now.Add(59*time.Minute)))
	assert.False(t, e.Active(now.Add(time.Hour)), "expiresAt <= now is absent")
	assert.Equal(t, time.Duration(0), e.Remaining(now.Add(2*time.Hour)))
	assert.Equal(t, "203.0.113.9", e.IP)
}

func TestCountSeverities(t *testing.T) {
	c := CountSeverities([]ThreatIndicator{
		{Severity: SeverityHigh},
		{Severity: SeverityHigh},
		{Severity: SeverityMedium},
		{Severity: SeverityCritical},
	})
	assert.Equal(t, SeverityCounts{Medium: 1, High: 2, Critical: 1}, c)
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
}

func TestDecision_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, DecisionAllow.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, DecisionThrottle.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, DecisionBlock.HTTPStatus())
}

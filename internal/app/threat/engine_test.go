package threat

import (
	"context"
	"errors"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testIdentity = admission.NewClientIdentity(netip.MustParseAddr("198.51.100.20"), "")

type sampleOpt func(*admission.SampleInput)

func withQuery(key, value string) sampleOpt {
	return func(in *admission.SampleInput) {
		if in.Query == nil {
			in.Query = url.Values{}
		}
		in.Query.Add(key, value)
	}
}

func withBody(body string) sampleOpt {
	return func(in *admission.SampleInput) { in.Body = []byte(body) }
}

func withRawPath(raw string) sampleOpt {
	return func(in *admission.SampleInput) { in.RawPath = raw }
}

func newSample(path string, opts ...sampleOpt) *admission.RequestSample {
	in := admission.SampleInput{
		Identity: testIdentity,
		Method:   "GET",
		Path:     path,
	}
	for _, opt := range opts {
		opt(&in)
	}
	return admission.NewRequestSample(in)
}

func newTestEngine(sens Sensitivity, opts ...Option) *Engine {
	return NewEngine(Config{
		Sensitivity: sens,
		AuthPaths:   []string{"/api/v1/auth/login"},
	}, logger.NewNop(), opts...)
}

type found struct {
	t   admission.ThreatType
	sev admission.Severity
}

func summary(inds []admission.ThreatIndicator) []found {
	out := make([]found, len(inds))
	for i, ind := range inds {
		out[i] = found{ind.Type, ind.Severity}
	}
	return out
}

func TestEngine_Score(t *testing.T) {
	tests := []struct {
		name   string
		sample *admission.RequestSample
		want   []found
	}{
		{
			name:   "clean request",
			sample: newSample("/api/v1/programs", withQuery("q", "rock and roll"), withQuery("name", "O'Brien")),
			want:   []found{},
		},
		{
			name:   "sql tautology in query",
			sample: newSample("/api/v1/search", withQuery("id", "1' OR 1=1")),
			want:   []found{{admission.ThreatSQLInjection, admission.SeverityCritical}},
		},
		{
			name:   "comment terminator",
			sample: newSample("/api/v1/login", withQuery("user", "admin'--")),
			want:   []found{{admission.ThreatSQLInjection, admission.SeverityHigh}},
		},
		{
			name:   "double encoded union select",
			sample: newSample("/api/v1/search", withQuery("q", "1%2520UNION%2520SELECT%2520password%2520FROM%2520users")),
			want:   []found{{admission.ThreatSQLInjection, admission.SeverityCritical}},
		},
		{
			name:   "time based probe in body",
			sample: newSample("/api/v1/search", withBody(`{"filter":"x' AND sleep(5)"}`)),
			want:   []found{{admission.ThreatSQLInjection, admission.SeverityHigh}},
		},
		{
			name:   "schema probe only",
			sample: newSample("/api/v1/search", withQuery("q", "select * from information_schema.tables")),
			want:   []found{{admission.ThreatSQLInjection, admission.SeverityHigh}},
		},
		{
			name:   "command chaining",
			sample: newSample("/api/v1/ping", withQuery("host", "127.0.0.1; cat /etc/shadow")),
			want:   []found{{admission.ThreatCommandInjection, admission.SeverityCritical}},
		},
		{
			name:   "command substitution",
			sample: newSample("/api/v1/ping", withQuery("host", "$(reboot)")),
			want:   []found{{admission.ThreatCommandInjection, admission.SeverityHigh}},
		},
		{
			name:   "fullwidth script tag",
			sample: newSample("/api/v1/comments", withBody("hello ＜script＞alert(1)＜/script＞")),
			want:   []found{{admission.ThreatXSS, admission.SeverityHigh}},
		},
		{
			name:   "event handler",
			sample: newSample("/api/v1/comments", withQuery("c", `<img src=x onerror=alert(1)>`)),
			want:   []found{{admission.ThreatXSS, admission.SeverityHigh}},
		},
		{
			name:   "encoded traversal",
			sample: newSample("/static/../../app/config", withRawPath("/static/%2e%2e/%2e%2e/app/config")),
			want:   []found{{admission.ThreatPathTraversal, admission.SeverityMedium}},
		},
		{
			name:   "traversal to passwd",
			sample: newSample("/download", withQuery("file", "../../etc/passwd")),
			want:   []found{{admission.ThreatPathTraversal, admission.SeverityMedium}},
		},
		{
			name:   "scanner probe",
			sample: newSample("/wp-admin/install.php"),
			want:   []found{{admission.ThreatScannerProbe, admission.SeverityLow}},
		},
	}

	e := newTestEngine(SensitivityMedium)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summary(e.Score(context.Background(), tt.sample))
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestEngine_IndicatorsCarrySource(t *testing.T) {
	e := newTestEngine(SensitivityMedium)
	inds := e.Score(context.Background(), newSample("/api", withQuery("q", "' union select 1")))
	require.NotEmpty(t, inds)
	assert.Equal(t, "198.51.100.20", inds[0].SourceIP)
	assert.Equal(t, "query", inds[0].Details["location"])
	assert.Equal(t, "q", inds[0].Details["parameter"])
}

func TestEngine_LowSensitivityIgnoresScanners(t *testing.T) {
	e := newTestEngine(SensitivityLow)
	assert.Empty(t, e.Score(context.Background(), newSample("/.env")))

	medium := newTestEngine(SensitivityMedium)
	assert.Len(t, medium.Score(context.Background(), newSample("/.env")), 1)
}

func TestEngine_InvalidSensitivityFallsBack(t *testing.T) {
	e := newTestEngine(Sensitivity("paranoid"))
	assert.Equal(t, SensitivityMedium.Tuning(), e.Tuning())
}

func TestEngine_BruteForce(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(SensitivityMedium, WithClock(clock.Now))
	login := newSample("/api/v1/auth/login")

	for range 4 {
		e.RecordAuthFailure(testIdentity)
		clock.Advance(time.Second)
	}
	assert.Empty(t, e.Score(context.Background(), login))

	e.RecordAuthFailure(testIdentity)
	assert.Equal(t, []found{{admission.ThreatBruteForce, admission.SeverityHigh}},
		summary(e.Score(context.Background(), login)))

	// Failures only matter on auth endpoints.
	assert.Empty(t, e.Score(context.Background(), newSample("/api/v1/programs")))

	for range 5 {
		e.RecordAuthFailure(testIdentity)
	}
	assert.Equal(t, []found{{admission.ThreatBruteForce, admission.SeverityCritical}},
		summary(e.Score(context.Background(), login)))

	e.RecordAuthSuccess(testIdentity)
	assert.Empty(t, e.Score(context.Background(), login))
}

func TestEngine_BruteForceWindowExpires(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(SensitivityMedium, WithClock(clock.Now))

	for range 5 {
		e.RecordAuthFailure(testIdentity)
	}
	clock.Advance(5 * time.Minute)
	assert.Empty(t, e.Score(context.Background(), newSample("/api/v1/auth/login")))

	e.Sweep()
	assert.Zero(t, e.failures.Len())
}

func TestEngine_VolumeAnomaly(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(SensitivityMedium, WithClock(clock.Now))
	req := newSample("/api/v1/items")

	// Seven quiet buckets of two requests establish a baseline of 2.
	for range 7 {
		for range 2 {
			require.Empty(t, e.Score(context.Background(), req))
		}
		clock.Advance(volumeBucket)
	}

	for i := 1; i < 30; i++ {
		require.Empty(t, e.Score(context.Background(), req), "request %d is below the minimum count", i)
	}
	assert.Equal(t, []found{{admission.ThreatAnomalousVolume, admission.SeverityMedium}},
		summary(e.Score(context.Background(), req)))
}

func TestEngine_NoVolumeVerdictWithoutHistory(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(SensitivityHigh, WithClock(clock.Now))
	req := newSample("/api/v1/items")

	for range 100 {
		assert.Empty(t, e.Score(context.Background(), req))
	}
}

type panicRule struct{}

func (panicRule) Name() string { return "panics" }
func (panicRule) Evaluate(*Input) ([]admission.ThreatIndicator, error) {
	panic("boom")
}

type errRule struct{}

func (errRule) Name() string { return "fails" }
func (errRule) Evaluate(*Input) ([]admission.ThreatIndicator, error) {
	return nil, errors.New("malformed body")
}

func TestEngine_RuleFailuresAreIsolated(t *testing.T) {
	e := newTestEngine(SensitivityMedium, WithRules(panicRule{}, errRule{}, NewXSSRule(nil)))

	got := e.Score(context.Background(), newSample("/api", withQuery("q", "<script>")))
	assert.Equal(t, []found{{admission.ThreatXSS, admission.SeverityHigh}}, summary(got))
}

func TestEngine_MalformedPathIsolated(t *testing.T) {
	e := newTestEngine(SensitivityMedium)

	got := e.Score(context.Background(), newSample("/wp-admin", withRawPath("/wp-admin%zz"), withQuery("q", "<iframe src=x>")))
	assert.Equal(t, []found{{admission.ThreatXSS, admission.SeverityHigh}}, summary(got),
		"the path rule errors out and contributes nothing")
}

func TestEngine_CatalogExtension(t *testing.T) {
	cat, err := ParseCatalog([]byte(`
patterns:
  - name: oracle_dual
    type: sql_injection
    severity: high
    pattern: "\\bfrom\\s+dual\\b"
    description: Oracle DUAL probe
scanner_signatures:
  - /.SVN/
`))
	require.NoError(t, err)

	e := NewEngine(Config{Sensitivity: SensitivityMedium, Catalog: cat}, logger.NewNop())
	assert.Equal(t, []found{{admission.ThreatSQLInjection, admission.SeverityHigh}},
		summary(e.Score(context.Background(), newSample("/api", withQuery("q", "select 1 FROM dual")))))
	assert.Equal(t, []found{{admission.ThreatScannerProbe, admission.SeverityLow}},
		summary(e.Score(context.Background(), newSample("/.svn/entries"))))
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown severity", "patterns:\n  - {name: a, type: xss, severity: extreme, pattern: x}\n"},
		{"unknown type", "patterns:\n  - {name: a, type: ldap, severity: high, pattern: x}\n"},
		{"bad regex", "patterns:\n  - {name: a, type: xss, severity: high, pattern: \"(\"}\n"},
		{"unknown field", "rules: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	empty, err := ParseCatalog(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Compiled())
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scanner_signatures: [/admin.php]\n"), 0o600))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/admin.php"}, cat.ScannerSignatures)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEngine_StartStop(t *testing.T) {
	e := NewEngine(Config{SweepInterval: time.Millisecond}, logger.NewNop())
	e.Start()
	e.Stop()
	e.Stop()
}

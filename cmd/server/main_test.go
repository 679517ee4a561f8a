package main

import (
	"bytes"
	"context"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

func sqlInjectionSample() *admission.RequestSample {
	return admission.NewRequestSample(admission.SampleInput{
		Identity: admission.NewClientIdentity(netip.MustParseAddr("198.51.100.7"), ""),
		Method:   "GET",
		Path:     "/api/v1/search",
		Query:    url.Values{"id": {"1' OR 1=1"}},
	})
}

func TestNewThreatEngine_BadRulesFileFallsBack(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("patterns:\n  - {name: a, type: xss, severity: high, pattern: \"(\"}\n"), 0o600))

	for name, path := range map[string]string{
		"missing file":  filepath.Join(t.TempDir(), "missing.yaml"),
		"invalid regex": bad,
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.New(logger.Config{Level: "warn", Format: "json", Output: &buf})
			cfg := &config.Config{Threat: config.ThreatConfig{Sensitivity: "medium", RulesFile: path}}

			engine := newThreatEngine(cfg, log)
			require.NotNil(t, engine)
			assert.Contains(t, buf.String(), "threat rules file not loaded")

			inds := engine.Score(context.Background(), sqlInjectionSample())
			require.NotEmpty(t, inds, "built-in rules still apply")
			assert.Equal(t, admission.ThreatSQLInjection, inds[0].Type)
		})
	}
}

func TestNewThreatEngine_LoadsRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scanner_signatures: [/admin.php]\n"), 0o600))

	var buf bytes.Buffer
	log := logger.New(logger.Config{Level: "warn", Format: "json", Output: &buf})
	cfg := &config.Config{Threat: config.ThreatConfig{Sensitivity: "medium", RulesFile: path}}

	require.NotNil(t, newThreatEngine(cfg, log))
	assert.NotContains(t, buf.String(), "threat rules file not loaded")
}

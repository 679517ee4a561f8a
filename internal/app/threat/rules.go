package threat

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

// Rule is one independent detector. Evaluate must not mutate the input.
type Rule interface {
	Name() string
	Evaluate(in *Input) ([]admission.ThreatIndicator, error)
}

// PatternRule matches compiled patterns against every request field.
// It emits at most one indicator per (type, severity) tier.
type PatternRule struct {
	name     string
	patterns []CompiledPattern
}

// NewPatternRule creates a PatternRule.
func NewPatternRule(name string, patterns []CompiledPattern) *PatternRule {
	return &PatternRule{name: name, patterns: patterns}
}

// NewInjectionRule matches SQL and command injection patterns plus any
// extra patterns of those types.
func NewInjectionRule(extra []CompiledPattern) *PatternRule {
	patterns := mustCompile(append(append([]PatternConfig(nil), sqlPatterns...), commandPatterns...))
	for _, p := range extra {
		if p.Type == admission.ThreatSQLInjection || p.Type == admission.ThreatCommandInjection {
			patterns = append(patterns, p)
		}
	}
	return NewPatternRule("injection", patterns)
}

// NewXSSRule matches cross-site scripting patterns plus any extra XSS patterns.
func NewXSSRule(extra []CompiledPattern) *PatternRule {
	patterns := mustCompile(xssPatterns)
	for _, p := range extra {
		if p.Type == admission.ThreatXSS {
			patterns = append(patterns, p)
		}
	}
	return NewPatternRule("xss", patterns)
}

// Name implements Rule.
func (r *PatternRule) Name() string { return r.name }

type tier struct {
	t   admission.ThreatType
	sev admission.Severity
}

// Evaluate implements Rule.
func (r *PatternRule) Evaluate(in *Input) ([]admission.ThreatIndicator, error) {
	var (
		out  []admission.ThreatIndicator
		seen map[tier]struct{}
	)
	for _, p := range r.patterns {
		k := tier{p.Type, p.Severity}
		if _, ok := seen[k]; ok {
			continue
		}
		for _, f := range in.Fields {
			if !p.Regex.MatchString(f.Value) {
				continue
			}
			if seen == nil {
				seen = make(map[tier]struct{}, 2)
			}
			seen[k] = struct{}{}
			ind := admission.NewThreatIndicator(in.Sample, p.Type, p.Severity, p.Description).
				WithDetail("pattern", p.Name).
				WithDetail("location", string(f.Location))
			if f.Name != "" {
				ind = ind.WithDetail("parameter", f.Name)
			}
			out = append(out, ind)
			break
		}
	}
	return out, nil
}

// PathRule flags traversal sequences and known scanner probes.
type PathRule struct {
	signatures      []string
	scannerSeverity admission.Severity
}

// NewPathRule creates a PathRule. An empty scannerSeverity disables scanner detection.
func NewPathRule(scannerSeverity admission.Severity, extraSignatures []string) *PathRule {
	sigs := append(append([]string(nil), defaultScannerSignatures...), extraSignatures...)
	return &PathRule{signatures: sigs, scannerSeverity: scannerSeverity}
}

// Name implements Rule.
func (r *PathRule) Name() string { return "path" }

// Evaluate implements Rule. A malformed escaped path is an error.
func (r *PathRule) Evaluate(in *Input) ([]admission.ThreatIndicator, error) {
	s := in.Sample
	if s.RawPath() != s.Path() {
		if _, err := url.PathUnescape(s.RawPath()); err != nil {
			return nil, fmt.Errorf("unescape path: %w", err)
		}
	}

	var out []admission.ThreatIndicator
	for _, f := range in.Fields {
		if f.Location == LocationBody {
			continue
		}
		if traversalPattern.MatchString(f.Value) {
			ind := admission.NewThreatIndicator(s, admission.ThreatPathTraversal, admission.SeverityMedium,
				"directory traversal sequence").
				WithDetail("location", string(f.Location))
			if f.Name != "" {
				ind = ind.WithDetail("parameter", f.Name)
			}
			out = append(out, ind)
			break
		}
	}

	if r.scannerSeverity == "" || len(in.Fields) == 0 || in.Fields[0].Location != LocationPath {
		return out, nil
	}
	path := in.Fields[0].Value
	for _, sig := range r.signatures {
		if strings.Contains(path, sig) {
			out = append(out, admission.NewThreatIndicator(s, admission.ThreatScannerProbe, r.scannerSeverity,
				"known scanner probe path").
				WithDetail("signature", sig))
			break
		}
	}
	return out, nil
}

// BruteForceRule flags repeated authentication failures on auth endpoints.
type BruteForceRule struct {
	high, critical int
}

// NewBruteForceRule creates a BruteForceRule with the given thresholds.
func NewBruteForceRule(high, critical int) *BruteForceRule {
	return &BruteForceRule{high: high, critical: critical}
}

// Name implements Rule.
func (r *BruteForceRule) Name() string { return "brute_force" }

// Evaluate implements Rule.
func (r *BruteForceRule) Evaluate(in *Input) ([]admission.ThreatIndicator, error) {
	if !in.AuthPath || r.high <= 0 {
		return nil, nil
	}
	n := in.AuthFailures
	var sev admission.Severity
	switch {
	case r.critical > 0 && n >= r.critical:
		sev = admission.SeverityCritical
	case n >= r.high:
		sev = admission.SeverityHigh
	default:
		return nil, nil
	}
	ind := admission.NewThreatIndicator(in.Sample, admission.ThreatBruteForce, sev,
		fmt.Sprintf("%d failed authentication attempts", n)).
		WithDetail("failures", n)
	return []admission.ThreatIndicator{ind}, nil
}

// VolumeRule flags a sudden jump in an identity's request rate.
type VolumeRule struct {
	factor     float64
	minCount   int
	minHistory int
}

// NewVolumeRule creates a VolumeRule.
func NewVolumeRule(factor float64, minCount, minHistory int) *VolumeRule {
	return &VolumeRule{factor: factor, minCount: minCount, minHistory: minHistory}
}

// Name implements Rule.
func (r *VolumeRule) Name() string { return "volume" }

// Evaluate implements Rule.
func (r *VolumeRule) Evaluate(in *Input) ([]admission.ThreatIndicator, error) {
	v := in.Volume
	if v.History < r.minHistory || v.Current < r.minCount {
		return nil, nil
	}
	if float64(v.Current) < r.factor*max(v.Baseline, 1) {
		return nil, nil
	}
	ind := admission.NewThreatIndicator(in.Sample, admission.ThreatAnomalousVolume, admission.SeverityMedium,
		"request rate far above the identity's baseline").
		WithDetail("current", v.Current).
		WithDetail("baseline", v.Baseline)
	return []admission.ThreatIndicator{ind}, nil
}

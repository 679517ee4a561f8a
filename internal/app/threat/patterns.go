package threat

import (
	"fmt"
	"regexp"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

// PatternConfig describes one detection pattern. Patterns match against
// normalised (decoded, NFKC, lowercased) input.
type PatternConfig struct {
	Name        string               `yaml:"name"`
	Type        admission.ThreatType `yaml:"type"`
	Severity    admission.Severity   `yaml:"severity"`
	Pattern     string               `yaml:"pattern"`
	Description string               `yaml:"description"`
}

// CompiledPattern is a PatternConfig with its compiled expression.
type CompiledPattern struct {
	PatternConfig
	Regex *regexp.Regexp
}

// Compile validates and compiles the pattern.
func (c PatternConfig) Compile() (CompiledPattern, error) {
	if c.Name == "" {
		return CompiledPattern{}, fmt.Errorf("pattern without name: %w", ErrInvalidPattern)
	}
	if !c.Type.IsValid() {
		return CompiledPattern{}, fmt.Errorf("pattern %q: unknown type %q: %w", c.Name, c.Type, ErrInvalidPattern)
	}
	if !c.Severity.IsValid() {
		return CompiledPattern{}, fmt.Errorf("pattern %q: unknown severity %q: %w", c.Name, c.Severity, ErrInvalidPattern)
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return CompiledPattern{}, fmt.Errorf("pattern %q: %w", c.Name, err)
	}
	return CompiledPattern{PatternConfig: c, Regex: re}, nil
}

const shellBinaries = `(?:cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|zsh|python[23]?|perl|php|ruby|rm|chmod|chown|ping|nslookup|dig|echo|env|ps|kill)\b`

var sqlPatterns = []PatternConfig{
	{
		Name:        "sql_tautology",
		Type:        admission.ThreatSQLInjection,
		Severity:    admission.SeverityCritical,
		Pattern:     `'\s*(?:or|and)\s+(?:'?\w+'?\s*=\s*'?\w+|\d+\s*[<>]=?\s*\d+|true|1\b)`,
		Description: "SQL tautology after quote",
	},
	{
		Name:        "sql_union_select",
		Type:        admission.ThreatSQLInjection,
		Severity:    admission.SeverityCritical,
		Pattern:     `\bunion(?:\s+all|\s+distinct)?\s+select\b`,
		Description: "UNION SELECT statement",
	},
	{
		Name:        "sql_stacked_statement",
		Type:        admission.ThreatSQLInjection,
		Severity:    admission.SeverityCritical,
		Pattern:     `;\s*(?:drop|truncate|alter|delete|insert|update|create|exec|shutdown)\s`,
		Description: "stacked destructive SQL statement",
	},
	{
		Name:        "sql_comment_terminator",
		Type:        admission.ThreatSQLInjection,
		Severity:    admission.SeverityHigh,
		Pattern:     `'\s*(?:--|#|/\*)`,
		Description: "quote followed by SQL comment",
	},
	{
		Name:        "sql_time_based",
		Type:        admission.ThreatSQLInjection,
		Severity:    admission.SeverityHigh,
		Pattern:     `\b(?:sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`,
		Description: "time-based SQL probe",
	},
	{
		Name:        "sql_schema_probe",
		Type:        admission.ThreatSQLInjection,
		Severity:    admission.SeverityHigh,
		Pattern:     `\binformation_schema\b|\bpg_catalog\b|\bsqlite_master\b`,
		Description: "database schema probe",
	},
}

var commandPatterns = []PatternConfig{
	{
		Name:        "cmd_chained_binary",
		Type:        admission.ThreatCommandInjection,
		Severity:    admission.SeverityCritical,
		Pattern:     "(?:;|\\|\\|?|&&|\\$\\(|`)\\s*(?:/(?:usr/)?s?bin/)?" + shellBinaries,
		Description: "shell metacharacter followed by a shell command",
	},
	{
		Name:        "cmd_substitution",
		Type:        admission.ThreatCommandInjection,
		Severity:    admission.SeverityHigh,
		Pattern:     "\\$\\(|`[^`]*`",
		Description: "shell command substitution",
	},
	{
		Name:        "cmd_ifs",
		Type:        admission.ThreatCommandInjection,
		Severity:    admission.SeverityHigh,
		Pattern:     `\$\{ifs\}|\$ifs\b`,
		Description: "shell IFS evasion",
	},
}

var xssPatterns = []PatternConfig{
	{
		Name:        "xss_script_tag",
		Type:        admission.ThreatXSS,
		Severity:    admission.SeverityHigh,
		Pattern:     `<\s*script\b`,
		Description: "script tag",
	},
	{
		Name:        "xss_javascript_uri",
		Type:        admission.ThreatXSS,
		Severity:    admission.SeverityHigh,
		Pattern:     `javascript\s*:`,
		Description: "javascript: URI",
	},
	{
		Name:        "xss_event_handler",
		Type:        admission.ThreatXSS,
		Severity:    admission.SeverityHigh,
		Pattern:     `<[^>]*\bon[a-z]+\s*=`,
		Description: "inline event handler",
	},
	{
		Name:        "xss_iframe",
		Type:        admission.ThreatXSS,
		Severity:    admission.SeverityHigh,
		Pattern:     `<\s*iframe\b`,
		Description: "iframe tag",
	},
}

var traversalPattern = regexp.MustCompile(`(?:^|[/\\])\.\.(?:[/\\]|$)`)

// defaultScannerSignatures are path fragments requested by vulnerability scanners.
var defaultScannerSignatures = []string{
	"/.env",
	"wp-admin",
	"wp-login.php",
	"/.git/",
	"phpmyadmin",
	"/etc/passwd",
	"/.aws/credentials",
	"cgi-bin",
	"/.ds_store",
	"/server-status",
}

// BuiltinPatterns returns a copy of the built-in pattern set.
func BuiltinPatterns() []PatternConfig {
	out := make([]PatternConfig, 0, len(sqlPatterns)+len(commandPatterns)+len(xssPatterns))
	out = append(out, sqlPatterns...)
	out = append(out, commandPatterns...)
	out = append(out, xssPatterns...)
	return out
}

func mustCompile(configs []PatternConfig) []CompiledPattern {
	out := make([]CompiledPattern, 0, len(configs))
	for _, c := range configs {
		p, err := c.Compile()
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}

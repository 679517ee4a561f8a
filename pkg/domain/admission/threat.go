package admission

import "maps"

// ThreatType classifies a threat indicator.
type ThreatType string

const (
	ThreatSQLInjection     ThreatType = "sql_injection"
	ThreatCommandInjection ThreatType = "command_injection"
	ThreatXSS              ThreatType = "xss"
	ThreatPathTraversal    ThreatType = "path_traversal"
	ThreatScannerProbe     ThreatType = "scanner_probe"
	ThreatBruteForce       ThreatType = "brute_force"
	ThreatAnomalousVolume  ThreatType = "anomalous_volume"
)

// IsValid checks if the threat type is known.
func (t ThreatType) IsValid() bool {
	switch t {
	case ThreatSQLInjection, ThreatCommandInjection, ThreatXSS, ThreatPathTraversal,
		ThreatScannerProbe, ThreatBruteForce, ThreatAnomalousVolume:
		return true
	default:
		return false
	}
}

// Severity of a threat indicator, ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable weight; unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IsValid checks if the severity is known.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	return sev, sev.IsValid()
}

// ThreatIndicator is one finding produced by a threat rule for one request.
type ThreatIndicator struct {
	Type        ThreatType
	Severity    Severity
	Description string
	SourceIP    string
	UserID      string
	Details     map[string]any
}

// NewThreatIndicator creates an indicator attributed to the sample's client.
func NewThreatIndicator(s *RequestSample, t ThreatType, sev Severity, description string) ThreatIndicator {
	return ThreatIndicator{
		Type:        t,
		Severity:    sev,
		Description: description,
		SourceIP:    s.IP(),
		UserID:      s.UserID(),
		Details:     make(map[string]any),
	}
}

// WithDetail returns a copy of the indicator with an extra detail.
func (i ThreatIndicator) WithDetail(key string, value any) ThreatIndicator {
	d := maps.Clone(i.Details)
	if d == nil {
		d = make(map[string]any, 1)
	}
	d[key] = value
	i.Details = d
	return i
}

// SeverityCounts tallies indicators by severity.
type SeverityCounts struct {
	Low, Medium, High, Critical int
}

// CountSeverities tallies indicators by severity.
func CountSeverities(indicators []ThreatIndicator) SeverityCounts {
	var c SeverityCounts
	for _, ind := range indicators {
		switch ind.Severity {
		case SeverityLow:
			c.Low++
		case SeverityMedium:
			c.Medium++
		case SeverityHigh:
			c.High++
		case SeverityCritical:
			c.Critical++
		}
	}
	return c
}

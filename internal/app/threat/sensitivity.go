package threat

import (
	"strings"
	"time"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

// Sensitivity selects a preset of rule thresholds.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// ParseSensitivity parses a sensitivity level, case-insensitively.
func ParseSensitivity(s string) (Sensitivity, bool) {
	switch lvl := Sensitivity(strings.ToLower(strings.TrimSpace(s))); lvl {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return lvl, true
	default:
		return SensitivityMedium, false
	}
}

// Tuning holds the thresholds a sensitivity level selects.
type Tuning struct {
	// BruteForceHigh failures within BruteForceWindow emit high.
	BruteForceHigh int
	// BruteForceCritical failures within BruteForceWindow emit critical.
	BruteForceCritical int
	BruteForceWindow   time.Duration

	// VolumeFactor is the multiple of the baseline that counts as anomalous.
	VolumeFactor float64
	// VolumeMinCount is the minimum requests in the current bucket.
	VolumeMinCount int
	// VolumeMinHistory is the number of completed buckets needed before judging.
	VolumeMinHistory int

	// ScannerSeverity is empty when scanner probes are ignored.
	ScannerSeverity admission.Severity
}

// Tuning returns the thresholds for the level. Unknown levels get medium.
func (s Sensitivity) Tuning() Tuning {
	switch s {
	case SensitivityLow:
		return Tuning{
			BruteForceHigh:     10,
			BruteForceCritical: 20,
			BruteForceWindow:   5 * time.Minute,
			VolumeFactor:       5.0,
			VolumeMinCount:     50,
			VolumeMinHistory:   6,
		}
	case SensitivityHigh:
		return Tuning{
			BruteForceHigh:     3,
			BruteForceCritical: 6,
			BruteForceWindow:   10 * time.Minute,
			VolumeFactor:       2.0,
			VolumeMinCount:     20,
			VolumeMinHistory:   6,
			ScannerSeverity:    admission.SeverityLow,
		}
	default:
		return Tuning{
			BruteForceHigh:     5,
			BruteForceCritical: 10,
			BruteForceWindow:   5 * time.Minute,
			VolumeFactor:       3.0,
			VolumeMinCount:     30,
			VolumeMinHistory:   6,
			ScannerSeverity:    admission.SeverityLow,
		}
	}
}

package logger

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record outcomes reported by logRecordsTotal.
const (
	outcomeSampled      = "sampled"
	outcomeSampledOut   = "sampled_out"
	outcomeAsyncDropped = "async_dropped"
)

var (
	logRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "logger",
			Name:      "records_total",
			Help:      "Log records seen by the sampling and async handlers, by level and outcome",
		},
		[]string{"level", "outcome"},
	)

	samplingKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Subsystem: "logger",
			Name:      "sampling_keys",
			Help:      "Distinct level:message keys tracked in the current sampling tick",
		},
	)
)

func countRecord(level slog.Level, outcome string) {
	logRecordsTotal.WithLabelValues(levelLabel(level), outcome).Inc()
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

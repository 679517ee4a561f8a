package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission pipeline metrics
var (
	// AdmissionDecisionsTotal tracks pipeline outcomes by decision and reason code
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "admission_decisions_total",
			Help:      "Total number of admission decisions by decision and reason",
		},
		[]string{"decision", "reason"},
	)

	// AdmissionEvaluationDuration tracks time spent deciding a single request
	AdmissionEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Name:      "admission_evaluation_duration_seconds",
			Help:      "Time spent evaluating one request in the admission pipeline",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)

	// AdmissionStageFaultsTotal tracks recovered panics per stage
	AdmissionStageFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "admission_stage_faults_total",
			Help:      "Total number of recovered faults per pipeline stage",
		},
		[]string{"stage"},
	)
)

// Rate limiter metrics
var (
	// RateWindowsActive tracks identities with a live rate window
	RateWindowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "rate_windows_active",
			Help:      "Number of client identities with a live rate window",
		},
	)

	// RateLimitTightenedTotal tracks temporary limit reductions
	RateLimitTightenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "rate_limit_tightened_total",
			Help:      "Total number of temporary per-identity limit reductions",
		},
	)
)

// Threat scoring metrics
var (
	// ThreatIndicatorsTotal tracks indicators by type and severity
	ThreatIndicatorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "threat_indicators_total",
			Help:      "Total number of threat indicators by type and severity",
		},
		[]string{"type", "severity"},
	)

	// ThreatRuleErrorsTotal tracks rule evaluations that failed and were skipped
	ThreatRuleErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "threat_rule_errors_total",
			Help:      "Total number of rule evaluations that failed and contributed no indicator",
		},
		[]string{"rule"},
	)

	// TrackedIdentities tracks per-identity state held by threat trackers
	TrackedIdentities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "threat_tracked_identities",
			Help:      "Number of identities tracked by each threat tracker",
		},
		[]string{"tracker"},
	)
)

// Blacklist metrics
var (
	// BlacklistWritesTotal tracks blacklist writes by status
	BlacklistWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "blacklist_writes_total",
			Help:      "Total number of blacklist writes by status",
		},
		[]string{"status"},
	)

	// BlacklistLookupFailuresTotal tracks lookups that failed open
	BlacklistLookupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "blacklist_lookup_failures_total",
			Help:      "Total number of blacklist lookups that failed and were treated as no hit",
		},
	)

	// BlacklistEntriesActive tracks active blacklist entries
	BlacklistEntriesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "blacklist_entries_active",
			Help:      "Number of active blacklist entries",
		},
	)
)

// Audit metrics
var (
	// AuditEventsTotal tracks events accepted by the audit logger
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "audit_events_total",
			Help:      "Total number of audit events queued by event type",
		},
		[]string{"event_type"},
	)

	// AuditEventsDroppedTotal tracks events that bypassed the sink
	AuditEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "audit_events_dropped_total",
			Help:      "Total number of audit events written only to the process log",
		},
		[]string{"reason"},
	)

	// AuditSinkWritesTotal tracks batch writes by status
	AuditSinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "audit_sink_writes_total",
			Help:      "Total number of audit batch writes by status",
		},
		[]string{"status"},
	)

	// AuditQueueDepth tracks buffered events
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "audit_queue_depth",
			Help:      "Number of audit events waiting to be written",
		},
	)

	// AuditArchiveUploadsTotal tracks archive object uploads by status
	AuditArchiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "audit_archive_uploads_total",
			Help:      "Total number of audit archive uploads by status",
		},
		[]string{"status"},
	)
)

// Scheduled job metrics
var (
	// JobRunsTotal tracks cron job runs by job and status
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Name:      "job_runs_total",
			Help:      "Total number of scheduled job runs by job and status",
		},
		[]string{"job", "status"},
	)
)
